package segment

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/spinqubit/pulselib/mathx"
	"github.com/spinqubit/pulselib/wfmcache"
)

// base holds the identity, time cursors and cache plumbing shared by the
// segment kinds
type base struct {
	id      uuid.UUID
	cache   *wfmcache.Cache
	lastMod time.Time

	start, end float64
}

func newBase(c *wfmcache.Cache) base {
	return base{id: uuid.New(), cache: c, lastMod: time.Now()}
}

// ID returns the identity of the segment
func (b *base) ID() uuid.UUID { return b.id }

// TotalTime is the end of the segment in ns
func (b *base) TotalTime() float64 { return b.end }

// StartTime is the cursor new content is placed relative to
func (b *base) StartTime() float64 { return b.start }

// LastMod is the time of the most recent change to the segment's content
func (b *base) LastMod() time.Time { return b.lastMod }

// touch marks the content as changed and drops any cached render
func (b *base) touch() {
	b.lastMod = time.Now()
	if b.cache != nil {
		b.cache.Invalidate(b.id)
	}
}

// clone returns a copy of b with a new identity
func (b *base) clone() base {
	nb := *b
	nb.id = uuid.New()
	nb.lastMod = time.Now()
	return nb
}

func (b *base) resetTime() {
	b.start = b.end
	b.touch()
}

func (b *base) resetTimeAt(t float64) error {
	if t < 0 {
		return ErrNegativeShift
	}
	b.start = t
	if b.end < b.start {
		b.end = b.start
	}
	b.touch()
	return nil
}

func (b *base) wait(t float64) error {
	if t < 0 {
		return ErrNegativeShift
	}
	b.end += t
	b.touch()
	return nil
}

// fullRenderer is implemented by each kind of segment.  renderFull receives
// pre <= 0 and post >= 0 and returns P(total)+1-P(pre)+P(post) samples.
// edges are the values used to pad beyond the rendered samples.
type fullRenderer interface {
	renderFull(pre, post, sampleRate float64) []float64
	edges(sampleRate float64) (first, last float64)
}

// render serves a request from the cache, rendering afresh only when there is
// no render at sampleRate.  Concurrent renders of one segment may both miss;
// each stores an identical render.
func render(b *base, r fullRenderer, pre, post, sampleRate float64) []float64 {
	var (
		e  *wfmcache.Entry
		rd wfmcache.Render
		ok bool
	)
	if b.cache != nil {
		e, rd, ok = b.cache.Fetch(b.id, sampleRate)
	}
	if !ok {
		// positive pre and negative post only cut, so they are applied by
		// resize and the stored render keeps the full waveform
		pre0 := math.Min(pre, 0)
		post0 := math.Max(post, 0)
		rd = wfmcache.Render{
			SampleRate: sampleRate,
			Waveform:   r.renderFull(pre0, post0, sampleRate),
			PreDelay:   pre0,
			PostDelay:  post0,
		}
		if e != nil {
			e.Store(rd)
		}
	}
	first, last := r.edges(sampleRate)
	return resize(rd.Waveform, rd.PreDelay, rd.PostDelay, pre, post, mathx.Step(rd.SampleRate), first, last)
}

// resize adapts a waveform rendered with padding (wfmPre, wfmPost) to the
// padding (pre, post).  When both edges only lose points the result aliases
// wfm; otherwise a new buffer is padded with first and last.
func resize(wfm []float64, wfmPre, wfmPost, pre, post, step, first, last float64) []float64 {
	before := -mathx.PointCount(pre, step) + mathx.PointCount(wfmPre, step)
	after := mathx.PointCount(post, step) - mathx.PointCount(wfmPost, step)
	if before <= 0 && after <= 0 {
		lo, hi := -before, len(wfm)+after
		if hi < lo {
			return wfm[:0]
		}
		return wfm[lo:hi]
	}
	n := len(wfm) + before + after
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	for i := range out {
		j := i - before
		switch {
		case j < 0:
			out[i] = first
		case j >= len(wfm):
			out[i] = last
		default:
			out[i] = wfm[j]
		}
	}
	return out
}

// renderLength is the number of samples in a render with padding pre <= 0
// and post >= 0, along with the number of leading padding points
func renderLength(total, pre, post, step float64) (n, prePts int) {
	prePts = -mathx.PointCount(pre, step)
	n = mathx.PointCount(total, step) + 1 + prePts + mathx.PointCount(post, step)
	return n, prePts
}
