package segment

import (
	"sort"

	"github.com/spinqubit/pulselib/mathx"
	"github.com/spinqubit/pulselib/wfmcache"
)

// Interval is a half-open span of time [Start, Stop) in ns
type Interval struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
}

// Marker is a digital segment, high during each of its intervals
type Marker struct {
	base

	// Amplitude is the output level when the marker is high
	Amplitude float64

	intervals []Interval
}

// NewMarker returns an empty marker segment rendering through c
func NewMarker(c *wfmcache.Cache, amplitude float64) *Marker {
	return &Marker{base: newBase(c), Amplitude: amplitude}
}

// AddMarker raises the marker over [start, stop), relative to the start
// cursor.  The end of the segment grows to cover the interval.
func (m *Marker) AddMarker(start, stop float64) error {
	if stop < start {
		return ErrInvalidInterval
	}
	if start+m.start < 0 {
		return ErrNegativeShift
	}
	iv := Interval{Start: start + m.start, Stop: stop + m.start}
	m.intervals = append(m.intervals, iv)
	sort.SliceStable(m.intervals, func(i, j int) bool {
		return m.intervals[i].Start < m.intervals[j].Start
	})
	if iv.Stop > m.end {
		m.end = iv.Stop
	}
	m.touch()
	return nil
}

// Intervals returns a copy of the intervals in time order
func (m *Marker) Intervals() []Interval {
	out := make([]Interval, len(m.intervals))
	copy(out, m.intervals)
	return out
}

// Append places the intervals of other after the end of m
func (m *Marker) Append(other Segment) error {
	o, ok := other.(*Marker)
	if !ok {
		return ErrIncompatible
	}
	m.appendShifted(o, o.end)
	return nil
}

// AppendAt truncates m to [0, t) and then appends other.  The resulting end
// is t plus the end of other.
func (m *Marker) AppendAt(other Segment, t float64) error {
	o, ok := other.(*Marker)
	if !ok {
		return ErrIncompatible
	}
	if t < 0 {
		return ErrNegativeShift
	}
	// other may be m itself, so its content is captured before truncating
	oIvs, oEnd := o.Intervals(), o.end
	m.slice(0, t)
	m.appendShifted(&Marker{intervals: oIvs}, oEnd)
	return nil
}

func (m *Marker) appendShifted(o *Marker, oEnd float64) {
	shift := m.end
	ivs := make([]Interval, 0, len(m.intervals)+len(o.intervals))
	ivs = append(ivs, m.intervals...)
	for _, iv := range o.intervals {
		ivs = append(ivs, Interval{Start: iv.Start + shift, Stop: iv.Stop + shift})
	}
	m.intervals = ivs
	m.end = shift + oEnd
	m.touch()
}

// SliceTime keeps the parts of intervals within [start, end), rebased so that
// start becomes zero.  The total time becomes exactly end-start.
func (m *Marker) SliceTime(start, end float64) error {
	if end < start {
		return ErrInvalidInterval
	}
	if start < 0 {
		return ErrNegativeShift
	}
	m.slice(start, end)
	return nil
}

func (m *Marker) slice(start, end float64) {
	var kept []Interval
	for _, iv := range m.intervals {
		if iv.Stop <= start || iv.Start >= end {
			continue
		}
		if iv.Start < start {
			iv.Start = start
		}
		if iv.Stop > end {
			iv.Stop = end
		}
		if iv.Stop <= iv.Start {
			continue
		}
		kept = append(kept, Interval{Start: iv.Start - start, Stop: iv.Stop - start})
	}
	m.intervals = kept
	m.end = end - start
	m.start = 0
	m.touch()
}

// ResetTime moves the start cursor to the end of the segment
func (m *Marker) ResetTime() { m.resetTime() }

// ResetTimeAt moves the start cursor to t, extending the end if needed
func (m *Marker) ResetTimeAt(t float64) error { return m.resetTimeAt(t) }

// Wait extends the segment by t with the marker low
func (m *Marker) Wait(t float64) error { return m.wait(t) }

// Shift delays every interval by dt
func (m *Marker) Shift(dt float64) error {
	if dt < 0 {
		return ErrNegativeShift
	}
	for i := range m.intervals {
		m.intervals[i].Start += dt
		m.intervals[i].Stop += dt
	}
	m.end += dt
	m.touch()
	return nil
}

// Vmin of a marker is always zero
func (m *Marker) Vmin(float64) float64 { return 0 }

// Vmax of a marker is its amplitude
func (m *Marker) Vmax(float64) float64 { return m.Amplitude }

// Integrate is always zero for a marker
func (m *Marker) Integrate(float64) float64 { return 0 }

// Empty is true when the marker has no duration
func (m *Marker) Empty() bool { return m.end == 0 && len(m.intervals) == 0 }

// Render returns 1 while the marker is high and 0 elsewhere
func (m *Marker) Render(pre, post, sampleRate float64) []float64 {
	return render(&m.base, m, pre, post, sampleRate)
}

func (m *Marker) renderFull(pre, post, sampleRate float64) []float64 {
	step := mathx.Step(sampleRate)
	n, prePts := renderLength(m.end, pre, post, step)
	out := make([]float64, n)
	for _, iv := range m.intervals {
		lo := mathx.PointCount(iv.Start, step) + prePts
		hi := mathx.PointCount(iv.Stop, step) + prePts
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		for i := lo; i < hi; i++ {
			out[i] = 1
		}
	}
	return out
}

func (m *Marker) edges(float64) (float64, float64) { return 0, 0 }

// Copy returns a deep copy of m with a new identity
func (m *Marker) Copy() Segment {
	return &Marker{base: m.clone(), Amplitude: m.Amplitude, intervals: m.Intervals()}
}
