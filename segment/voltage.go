package segment

import (
	"gonum.org/v1/gonum/floats"

	"github.com/spinqubit/pulselib/mathx"
	"github.com/spinqubit/pulselib/wfmcache"
)

// Piece is a linear run of voltage from V0 at Start to V1 at Stop, over the
// half-open span [Start, Stop).  A block has V0 == V1.
type Piece struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
	V0    float64 `json:"v0" yaml:"v0"`
	V1    float64 `json:"v1" yaml:"v1"`
}

// at evaluates the piece at t, which must lie within it
func (p Piece) at(t float64) float64 {
	if p.Stop == p.Start {
		return p.V0
	}
	return p.V0 + (p.V1-p.V0)*(t-p.Start)/(p.Stop-p.Start)
}

// Voltage is an analog segment; overlapping pieces add
type Voltage struct {
	base

	pieces []Piece
}

// NewVoltage returns an empty voltage segment rendering through c
func NewVoltage(c *wfmcache.Cache) *Voltage {
	return &Voltage{base: newBase(c)}
}

// AddBlock adds a constant amplitude over [start, stop) relative to the
// start cursor
func (v *Voltage) AddBlock(start, stop, amplitude float64) error {
	return v.AddRampSS(start, stop, amplitude, amplitude)
}

// AddRamp adds a ramp from 0 to amplitude over [start, stop)
func (v *Voltage) AddRamp(start, stop, amplitude float64) error {
	return v.AddRampSS(start, stop, 0, amplitude)
}

// AddRampSS adds a ramp from v0 to v1 over [start, stop)
func (v *Voltage) AddRampSS(start, stop, v0, v1 float64) error {
	if stop < start {
		return ErrInvalidInterval
	}
	if start+v.start < 0 {
		return ErrNegativeShift
	}
	p := Piece{Start: start + v.start, Stop: stop + v.start, V0: v0, V1: v1}
	v.pieces = append(v.pieces, p)
	if p.Stop > v.end {
		v.end = p.Stop
	}
	v.touch()
	return nil
}

// Pieces returns a copy of the pieces of the segment
func (v *Voltage) Pieces() []Piece {
	out := make([]Piece, len(v.pieces))
	copy(out, v.pieces)
	return out
}

// Append places the pieces of other after the end of v
func (v *Voltage) Append(other Segment) error {
	o, ok := other.(*Voltage)
	if !ok {
		return ErrIncompatible
	}
	v.appendShifted(o.Pieces(), o.end)
	return nil
}

// AppendAt truncates v to [0, t) and then appends other
func (v *Voltage) AppendAt(other Segment, t float64) error {
	o, ok := other.(*Voltage)
	if !ok {
		return ErrIncompatible
	}
	if t < 0 {
		return ErrNegativeShift
	}
	ps, end := o.Pieces(), o.end
	v.slice(0, t)
	v.appendShifted(ps, end)
	return nil
}

func (v *Voltage) appendShifted(ps []Piece, oEnd float64) {
	shift := v.end
	for _, p := range ps {
		p.Start += shift
		p.Stop += shift
		v.pieces = append(v.pieces, p)
	}
	v.end = shift + oEnd
	v.touch()
}

// SliceTime keeps the window [start, end), rebased to zero.  Ramps cut by
// the window are re-interpolated at the new edges.
func (v *Voltage) SliceTime(start, end float64) error {
	if end < start {
		return ErrInvalidInterval
	}
	if start < 0 {
		return ErrNegativeShift
	}
	v.slice(start, end)
	return nil
}

func (v *Voltage) slice(start, end float64) {
	var kept []Piece
	for _, p := range v.pieces {
		if p.Stop <= start || p.Start >= end {
			continue
		}
		np := p
		if p.Start < start {
			np.Start = start
			np.V0 = p.at(start)
		}
		if p.Stop > end {
			np.Stop = end
			np.V1 = p.at(end)
		}
		if np.Stop <= np.Start {
			continue
		}
		np.Start -= start
		np.Stop -= start
		kept = append(kept, np)
	}
	v.pieces = kept
	v.end = end - start
	v.start = 0
	v.touch()
}

// ResetTime moves the start cursor to the end of the segment
func (v *Voltage) ResetTime() { v.resetTime() }

// ResetTimeAt moves the start cursor to t, extending the end if needed
func (v *Voltage) ResetTimeAt(t float64) error { return v.resetTimeAt(t) }

// Wait extends the segment by t at zero volts
func (v *Voltage) Wait(t float64) error { return v.wait(t) }

// Shift delays every piece by dt
func (v *Voltage) Shift(dt float64) error {
	if dt < 0 {
		return ErrNegativeShift
	}
	for i := range v.pieces {
		v.pieces[i].Start += dt
		v.pieces[i].Stop += dt
	}
	v.end += dt
	v.touch()
	return nil
}

// Vmin is the lowest sample of the unpadded render
func (v *Voltage) Vmin(sampleRate float64) float64 {
	return floats.Min(v.Render(0, 0, sampleRate))
}

// Vmax is the highest sample of the unpadded render
func (v *Voltage) Vmax(sampleRate float64) float64 {
	return floats.Max(v.Render(0, 0, sampleRate))
}

// Integrate is the sum of the unpadded render times the sample period
func (v *Voltage) Integrate(sampleRate float64) float64 {
	return floats.Sum(v.Render(0, 0, sampleRate)) * mathx.Step(sampleRate)
}

// Empty is true when the segment has no duration
func (v *Voltage) Empty() bool { return v.end == 0 && len(v.pieces) == 0 }

// Render returns the sampled sum of the pieces.  Padding takes the value of
// the first or last sample.
func (v *Voltage) Render(pre, post, sampleRate float64) []float64 {
	return render(&v.base, v, pre, post, sampleRate)
}

func (v *Voltage) renderFull(pre, post, sampleRate float64) []float64 {
	step := mathx.Step(sampleRate)
	n, prePts := renderLength(v.end, pre, post, step)
	out := make([]float64, n)
	last := mathx.PointCount(v.end, step) + prePts
	for _, p := range v.pieces {
		lo := mathx.PointCount(p.Start, step)
		hi := mathx.PointCount(p.Stop, step)
		for i := lo; i < hi; i++ {
			out[i+prePts] += p.at(float64(i) * step)
		}
	}
	for i := 0; i < prePts; i++ {
		out[i] = out[prePts]
	}
	for i := last + 1; i < n; i++ {
		out[i] = out[last]
	}
	return out
}

// edges are the first and last samples of the unpadded waveform
func (v *Voltage) edges(sampleRate float64) (float64, float64) {
	step := mathx.Step(sampleRate)
	return v.sampleAt(0, step), v.sampleAt(mathx.PointCount(v.end, step), step)
}

// sampleAt evaluates sample i exactly as renderFull does
func (v *Voltage) sampleAt(i int, step float64) float64 {
	var s float64
	for _, p := range v.pieces {
		if mathx.PointCount(p.Start, step) <= i && i < mathx.PointCount(p.Stop, step) {
			s += p.at(float64(i) * step)
		}
	}
	return s
}

// Copy returns a deep copy of v with a new identity
func (v *Voltage) Copy() Segment {
	return &Voltage{base: v.clone(), pieces: v.Pieces()}
}
