package awg

import (
	"math"
	"sort"

	"github.com/spinqubit/pulselib/segment"
)

// Setting is the output window configured on a channel, as a span and a
// midpoint
type Setting struct {
	Vpp  float64 `json:"vpp"`
	Voff float64 `json:"voff"`
}

// Window returns the setting as a min/max pair
func (s Setting) Window() segment.VRange {
	return segment.VRange{Min: s.Voff - s.Vpp/2, Max: s.Voff + s.Vpp/2}
}

// ChannelRange is the voltage state of one channel
type ChannelRange struct {
	Observed   segment.VRange `json:"observed"`
	Setting    Setting        `json:"setting"`
	Configured bool           `json:"configured"`
}

// Negotiator decides when the output window of the channels must change.
// Observed windows only widen until Reset.
type Negotiator struct {
	// VppMax is the largest peak-to-peak span the hardware supports
	VppMax float64

	// VoffMax is the largest offset magnitude the hardware supports
	VoffMax float64

	// Tolerance is the fractional headroom added on reset, and the fraction
	// of the configured span either edge may sit inside the observed window
	// before the window is considered too wide
	Tolerance float64

	// VppMin is the smallest span that will be configured
	VppMin float64

	observed map[string]segment.VRange
	settings map[string]Setting
}

// NewNegotiator returns a negotiator with no channels configured
func NewNegotiator(vppMax, voffMax, tolerance, vppMin float64) *Negotiator {
	return &Negotiator{
		VppMax:    vppMax,
		VoffMax:   voffMax,
		Tolerance: tolerance,
		VppMin:    vppMin,
		observed:  make(map[string]segment.VRange),
		settings:  make(map[string]Setting),
	}
}

// Reset forgets the observed windows, keeping the configured settings
func (n *Negotiator) Reset() {
	n.observed = make(map[string]segment.VRange)
}

// Observe widens the observed window of ch to cover r
func (n *Negotiator) Observe(ch string, r segment.VRange) {
	if cur, ok := n.observed[ch]; ok {
		r = cur.Union(r)
	}
	n.observed[ch] = r
}

// Observed returns the channels with an observed window, sorted
func (n *Negotiator) Observed() []string {
	out := make([]string, 0, len(n.observed))
	for k := range n.observed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate returns a VoltageRangeError if the observed window of ch cannot
// be produced by the hardware
func (n *Negotiator) Validate(ch string) error {
	r, ok := n.observed[ch]
	if !ok {
		return nil
	}
	fail := func(reason string) error {
		return VoltageRangeError{Channel: ch, Min: r.Min, Max: r.Max, Reason: reason}
	}
	switch {
	case r.Max-r.Min > n.VppMax:
		return fail("span exceeds the peak-to-peak limit")
	case r.Max > n.VppMax+n.VoffMax:
		return fail("maximum exceeds the peak-to-peak plus offset limit")
	case r.Min < -n.VppMax-n.VoffMax:
		return fail("minimum exceeds the peak-to-peak plus offset limit")
	case math.Abs((r.Max+r.Min)/2) > n.VoffMax:
		return fail("midpoint exceeds the offset limit")
	}
	return nil
}

// ResetNeeded is true if ch has never been configured, if its configured
// window does not cover the observed one, or if either edge of the
// configured window lies more than Tolerance*Vpp outside the observed one
func (n *Negotiator) ResetNeeded(ch string) bool {
	r, ok := n.observed[ch]
	if !ok {
		return false
	}
	s, ok := n.settings[ch]
	if !ok {
		return true
	}
	w := s.Window()
	if r.Min < w.Min || r.Max > w.Max {
		return true
	}
	// windows narrower than VppMin are padded to it on reset
	margin := n.Tolerance*s.Vpp + math.Max(0, n.VppMin-(r.Max-r.Min))/2
	return r.Min-w.Min > margin || w.Max-r.Max > margin
}

// Propose returns the setting that fits the observed window of ch
func (n *Negotiator) Propose(ch string) Setting {
	r := n.observed[ch]
	vpp := (r.Max - r.Min) * (1 + n.Tolerance)
	vpp = math.Max(math.Min(vpp, n.VppMax), n.VppMin)
	return Setting{Vpp: vpp, Voff: (r.Max + r.Min) / 2}
}

// Apply records s as configured on ch
func (n *Negotiator) Apply(ch string, s Setting) {
	n.settings[ch] = s
}

// Ranges returns the state of every observed or configured channel
func (n *Negotiator) Ranges() map[string]ChannelRange {
	out := make(map[string]ChannelRange)
	for ch, r := range n.observed {
		cr := out[ch]
		cr.Observed = r
		out[ch] = cr
	}
	for ch, s := range n.settings {
		cr := out[ch]
		cr.Setting = s
		cr.Configured = true
		out[ch] = cr
	}
	return out
}
