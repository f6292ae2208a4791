package segment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spinqubit/pulselib/mathx"
	"github.com/spinqubit/pulselib/wfmcache"
)

// Delay is the padding in ns applied to every render on a channel
type Delay struct {
	Pre  float64 `json:"pre" yaml:"pre"`
	Post float64 `json:"post" yaml:"post"`
}

// Sequenced is the view of a named segment needed to schedule an upload
type Sequenced interface {
	VoltageRange(sampleRate float64) map[string]VRange
	TotalTime() float64
	Empty() bool
	LastMod() time.Time
}

// Bin is a collection of named multi-channel segments sharing a waveform
// cache and a sample rate.  It is safe for concurrent use.
type Bin struct {
	mu sync.RWMutex

	cache      *wfmcache.Cache
	sampleRate float64
	delays     map[string]Delay
	segments   map[string]*Multi
}

// NewBin returns an empty bin rendering at sampleRate through c.  If c is nil
// a cache of the default size is made.
func NewBin(c *wfmcache.Cache, sampleRate float64) *Bin {
	if c == nil {
		c = wfmcache.New(wfmcache.DefaultSize)
	}
	return &Bin{
		cache:      c,
		sampleRate: sampleRate,
		delays:     make(map[string]Delay),
		segments:   make(map[string]*Multi),
	}
}

// Cache is the waveform cache used by segments built for this bin
func (b *Bin) Cache() *wfmcache.Cache {
	return b.cache
}

// SampleRate is the rate in Hz all renders are made at
func (b *Bin) SampleRate() float64 {
	return b.sampleRate
}

// SetDelay sets the padding for channel ch
func (b *Bin) SetDelay(ch string, d Delay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[ch] = d
}

// Delay returns the padding of channel ch
func (b *Bin) Delay(ch string) Delay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delays[ch]
}

// Delays returns the padding of every channel with one set
func (b *Bin) Delays() map[string]Delay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Delay, len(b.delays))
	for k, v := range b.delays {
		out[k] = v
	}
	return out
}

// Add stores m under its name, replacing any segment of the same name.  A
// segment newly placed under a name counts as modified now.
func (b *Bin) Add(m *Multi) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.segments[m.Name]
	if old == m {
		return
	}
	if ok {
		b.dropRenders(old)
	}
	m.lastMod = time.Now()
	b.segments[m.Name] = m
}

// Remove deletes the segment called name
func (b *Bin) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.segments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, name)
	}
	b.dropRenders(m)
	delete(b.segments, name)
	return nil
}

func (b *Bin) dropRenders(m *Multi) {
	for _, c := range m.channels {
		for _, s := range c.data {
			b.cache.Invalidate(s.ID())
		}
	}
}

// Names returns the names of every segment in sorted order
func (b *Bin) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.segments))
	for k := range b.segments {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Used is true if name exists and has content
func (b *Bin) Used(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.segments[name]
	return ok && !m.Empty()
}

// Multi returns the segment called name
func (b *Bin) Multi(name string) (*Multi, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.segments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, name)
	}
	return m, nil
}

// Segment returns the scheduling view of the segment called name
func (b *Bin) Segment(name string) (Sequenced, error) {
	m, err := b.Multi(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Pulse renders channel ch of the segment called name at sweep point index,
// padded with the channel's delays.  t0 is the time in ns at which the
// element starts within its sequence; the segment kinds held here do not
// depend on absolute time, so it only has to be non-negative.
func (b *Bin) Pulse(name, ch string, index int, t0 float64) ([]float64, error) {
	if t0 < 0 {
		return nil, fmt.Errorf("%s at %g ns: %w", name, t0, ErrNegativeShift)
	}
	m, err := b.Multi(name)
	if err != nil {
		return nil, err
	}
	d := b.Delay(ch)
	return m.Render(ch, index, d.Pre, d.Post, b.sampleRate)
}

// Samples is the length of the render Pulse makes of channel ch of name at
// sweep point index, computed without rendering
func (b *Bin) Samples(name, ch string, index int) (int, error) {
	m, err := b.Multi(name)
	if err != nil {
		return 0, err
	}
	c, ok := m.Channel(ch)
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrUnknownChannel, ch, name)
	}
	s, err := c.Index(index)
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", name, ch, err)
	}
	d := b.Delay(ch)
	step := mathx.Step(b.sampleRate)
	n := mathx.PointCount(s.TotalTime(), step) + 1 - mathx.PointCount(d.Pre, step) + mathx.PointCount(d.Post, step)
	if n < 0 {
		n = 0
	}
	return n, nil
}

// SetCacheSize changes the capacity of the waveform cache
func (b *Bin) SetCacheSize(n int) {
	b.cache.SetMaxSize(n)
}

// ClearCache drops every cached render
func (b *Bin) ClearCache() {
	b.cache.Clear()
}

// CacheStats reports the use of the waveform cache
func (b *Bin) CacheStats() wfmcache.Stats {
	return b.cache.Stats()
}
