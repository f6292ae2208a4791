package awg

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChannel is generated when a sequence names a channel that is
	// not mapped to an AWG
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrUnknownAWG is generated when a channel maps to an AWG that was never
	// added
	ErrUnknownAWG = errors.New("unknown AWG")

	// ErrDuplicateAWG is generated when an AWG name is added twice
	ErrDuplicateAWG = errors.New("AWG already added")

	// ErrNotUploaded is generated when playback references a waveform that is
	// not in device memory
	ErrNotUploaded = errors.New("waveform not uploaded")
)

// EmptySegmentError is generated when a sequence references a segment with no
// content
type EmptySegmentError struct {
	Name string
}

func (e EmptySegmentError) Error() string {
	return fmt.Sprintf("segment %s has no content", e.Name)
}

// VoltageRangeError is generated when the voltage window a channel needs is
// beyond the capability of the hardware
type VoltageRangeError struct {
	Channel  string
	Min, Max float64
	Reason   string
}

func (e VoltageRangeError) Error() string {
	return fmt.Sprintf("channel %s needs [%g, %g] V: %s", e.Channel, e.Min, e.Max, e.Reason)
}
