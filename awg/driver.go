package awg

import (
	"time"

	"github.com/spinqubit/pulselib/segment"
)

// Driver is the interface to one physical AWG
type Driver interface {
	// FlushWaveform discards every waveform stored on the device.  It must be
	// safe to call repeatedly.
	FlushWaveform() error

	// Upload writes samples to the device under number for channel
	Upload(samples []float64, number, channel int) error

	// SetVoltageRange configures the output window of channel
	SetVoltageRange(vpp, voff float64, channel int) error
}

// Player is implemented by drivers able to play back uploaded waveforms
type Player interface {
	// Play queues the waveforms with the given numbers on channel, each
	// repeated the matching number of times, and starts output
	Play(channel int, numbers []int, reps []int) error
}

// SegmentSource supplies the segments an upload refers to
type SegmentSource interface {
	// Used is true if name exists and has content
	Used(name string) bool

	// Segment returns the scheduling view of name
	Segment(name string) (segment.Sequenced, error)

	// Pulse renders name on channel at sweep point index, for an element
	// starting t0 ns into the sequence
	Pulse(name, channel string, index int, t0 float64) ([]float64, error)

	// Samples is the length of the render Pulse would return, without
	// rendering
	Samples(name, channel string, index int) (int, error)

	// Delay is the padding applied to every pulse on channel
	Delay(channel string) segment.Delay

	// SampleRate is the rate in Hz pulses are rendered at
	SampleRate() float64
}

// now stamps the time a waveform reached the device
var now = time.Now
