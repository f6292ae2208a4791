package segment

import (
	"fmt"
	"sort"
	"time"
)

// Multi is a named segment spanning several channels.  Each channel holds a
// Container so that a sweep can vary the content per point.
type Multi struct {
	Name string

	channels map[string]*Container
	lastMod  time.Time
}

// NewMulti returns a multi-channel segment with no channels
func NewMulti(name string) *Multi {
	return &Multi{Name: name, channels: make(map[string]*Container), lastMod: time.Now()}
}

// SetChannel places c on channel ch, replacing any previous content
func (m *Multi) SetChannel(ch string, c *Container) {
	m.channels[ch] = c
	m.lastMod = time.Now()
}

// Channel returns the container for ch
func (m *Multi) Channel(ch string) (*Container, bool) {
	c, ok := m.channels[ch]
	return c, ok
}

// Channels returns the channel names in sorted order
func (m *Multi) Channels() []string {
	out := make([]string, 0, len(m.channels))
	for k := range m.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len is the number of sweep points, the largest container on any channel
func (m *Multi) Len() int {
	n := 0
	for _, c := range m.channels {
		if c.Len() > n {
			n = c.Len()
		}
	}
	return n
}

// Empty is true when no channel has any content
func (m *Multi) Empty() bool {
	for _, c := range m.channels {
		for _, s := range c.data {
			if !s.Empty() {
				return false
			}
		}
	}
	return true
}

// TotalTime is the longest total time of any element on any channel
func (m *Multi) TotalTime() float64 {
	var t float64
	for _, c := range m.channels {
		for _, tt := range c.TotalTimes() {
			if tt > t {
				t = tt
			}
		}
	}
	return t
}

// LastMod is the most recent change to the channel layout of m or to any
// element on any channel
func (m *Multi) LastMod() time.Time {
	t := m.lastMod
	for _, c := range m.channels {
		if lm := c.LastMod(); lm.After(t) {
			t = lm
		}
	}
	return t
}

// VoltageRange returns the voltage window of each channel across every
// sweep point
func (m *Multi) VoltageRange(sampleRate float64) map[string]VRange {
	out := make(map[string]VRange, len(m.channels))
	for name, c := range m.channels {
		var (
			r   VRange
			set bool
		)
		for _, s := range c.data {
			sr := VRange{Min: s.Vmin(sampleRate), Max: s.Vmax(sampleRate)}
			if !set {
				r, set = sr, true
				continue
			}
			r = r.Union(sr)
		}
		if set {
			out[name] = r
		}
	}
	return out
}

// Render returns the samples of channel ch at sweep point index
func (m *Multi) Render(ch string, index int, pre, post, sampleRate float64) ([]float64, error) {
	c, ok := m.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownChannel, ch, m.Name)
	}
	s, err := c.Index(index)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", m.Name, ch, err)
	}
	return s.Render(pre, post, sampleRate), nil
}

// Copy is a deep copy under a new name
func (m *Multi) Copy(name string) *Multi {
	out := NewMulti(name)
	for k, c := range m.channels {
		out.channels[k] = c.Copy()
	}
	return out
}
