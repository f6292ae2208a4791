// Package segment describes time-ordered voltage and marker activity on a
// channel and renders it to samples.
//
// Times are in ns, sample rates in Hz and voltages in V.  Rendering goes
// through a wfmcache.Cache supplied when a segment is constructed; a nil
// cache renders afresh on every call.
package segment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidInterval is generated when an interval ends before it starts
	ErrInvalidInterval = errors.New("interval end precedes its start")

	// ErrNegativeShift is generated when a time shift or wait is negative
	ErrNegativeShift = errors.New("time shift must not be negative")

	// ErrIncompatible is generated when segments of different kinds are combined
	ErrIncompatible = errors.New("segments are of incompatible kinds")

	// ErrUnknownSegment is generated when a named segment does not exist
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrUnknownChannel is generated when a segment has no data for a channel
	ErrUnknownChannel = errors.New("segment has no such channel")

	// ErrIndexOutOfRange is generated when a sweep index exceeds a container
	ErrIndexOutOfRange = errors.New("index out of range")
)

// VRange is a closed voltage window
type VRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Union returns the smallest window covering both r and o
func (r VRange) Union(o VRange) VRange {
	if o.Min < r.Min {
		r.Min = o.Min
	}
	if o.Max > r.Max {
		r.Max = o.Max
	}
	return r
}

// Segment is a time-ordered pulse definition for one channel
type Segment interface {
	// ID is the identity used as the cache key; it is never shared
	ID() uuid.UUID

	// Append places other after the end of the segment
	Append(other Segment) error

	// AppendAt truncates the segment to [0, t) and then appends other
	AppendAt(other Segment, t float64) error

	// SliceTime keeps only the window [start, end), rebased to zero
	SliceTime(start, end float64) error

	// ResetTime moves the start cursor to the current end
	ResetTime()

	// ResetTimeAt moves the start cursor to t
	ResetTimeAt(t float64) error

	// Wait extends the end of the segment by t
	Wait(t float64) error

	// Shift delays all content by dt
	Shift(dt float64) error

	TotalTime() float64
	StartTime() float64

	Vmin(sampleRate float64) float64
	Vmax(sampleRate float64) float64

	// Integrate is the area under the waveform in V*ns
	Integrate(sampleRate float64) float64

	// Render returns the samples of the segment padded by pre and post.
	// A negative pre or positive post extends the waveform, the opposite
	// signs cut it.
	Render(pre, post, sampleRate float64) []float64

	Empty() bool
	LastMod() time.Time

	// Copy is a deep copy with a new identity
	Copy() Segment
}
