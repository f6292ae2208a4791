// Package awg manages the waveform memory and output window of a set of
// arbitrary waveform generators.
//
// An Uploader owns one Unit per AWG and a table of where each waveform
// resides.  Upload works through a fixed series of states: collect the
// voltage windows the sequence needs, negotiate the output window, estimate
// memory, clear every device if any would overflow, then render and write
// whatever is not already on the device.  Waveforms are reused when their
// segment has not been modified since they were written.
//
// A failed upload can leave device memory and the location table
// inconsistent; ClearMem followed by a fresh Upload recovers.
package awg

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spinqubit/pulselib/util"
)

// State is the step an Uploader is working on
type State int32

const (
	// Idle is the resting state
	Idle State = iota

	// CollectingVoltages gathers the voltage windows of every segment
	CollectingVoltages

	// NegotiatingRange checks and, if needed, changes the output windows
	NegotiatingRange

	// EstimatingMemory sums the samples each AWG must take
	EstimatingMemory

	// ClearingIfNeeded clears every AWG if any would overflow
	ClearingIfNeeded

	// Uploading renders and writes waveforms
	Uploading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CollectingVoltages:
		return "collecting voltages"
	case NegotiatingRange:
		return "negotiating range"
	case EstimatingMemory:
		return "estimating memory"
	case ClearingIfNeeded:
		return "clearing if needed"
	case Uploading:
		return "uploading"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelLocation is the physical home of a logical channel
type ChannelLocation struct {
	AWG     string `json:"awg" yaml:"awg"`
	Channel int    `json:"channel" yaml:"channel"`
}

// Element is one placement of a segment within a channel's sequence
type Element struct {
	Segment string `json:"segment" yaml:"segment"`

	// Reps is the number of repetitions; zero plays once
	Reps int `json:"reps,omitempty" yaml:"reps,omitempty"`

	// Unique makes every repetition a distinct waveform, rendered at its own
	// sweep point, instead of one waveform looped by the hardware
	Unique bool `json:"unique,omitempty" yaml:"unique,omitempty"`

	// Identifiers name the repetitions of a unique element.  Repetitions
	// without one are named segment/index.
	Identifiers []string `json:"identifiers,omitempty" yaml:"identifiers,omitempty"`
}

func (e Element) reps() int {
	if e.Reps < 1 {
		return 1
	}
	return e.Reps
}

// key is the location table key of repetition i
func (e Element) key(i int) string {
	if !e.Unique {
		return e.Segment
	}
	if i < len(e.Identifiers) && e.Identifiers[i] != "" {
		return e.Identifiers[i]
	}
	return fmt.Sprintf("%s/%d", e.Segment, i)
}

// Config is the static configuration of an Uploader
type Config struct {
	Source     SegmentSource
	Channels   map[string]ChannelLocation
	Negotiator *Negotiator

	// Metrics may be nil
	Metrics *Metrics
}

// Uploader moves sequences onto a set of AWGs.  Calls are serialized.
type Uploader struct {
	mu sync.Mutex

	src      SegmentSource
	channels map[string]ChannelLocation
	neg      *Negotiator
	metrics  *Metrics

	units []*Unit
	table LocationTable
	state atomic.Int32
}

// New returns an Uploader with no AWGs
func New(cfg Config) *Uploader {
	neg := cfg.Negotiator
	if neg == nil {
		neg = NewNegotiator(1.5, 1.5, 0.1, 0.001)
	}
	chans := make(map[string]ChannelLocation, len(cfg.Channels))
	for k, v := range cfg.Channels {
		chans[k] = v
	}
	return &Uploader{
		src:      cfg.Source,
		channels: chans,
		neg:      neg,
		metrics:  cfg.Metrics,
		table:    make(LocationTable),
	}
}

// AddAWG registers an AWG with maxMem samples of memory
func (u *Uploader) AddAWG(name string, d Driver, maxMem int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.unit(name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateAWG, name)
	}
	unit := &Unit{Name: name, Driver: d, MaxMem: maxMem}
	u.units = append(u.units, unit)
	u.metrics.free(unit)
	return nil
}

func (u *Uploader) unit(name string) *Unit {
	for _, un := range u.units {
		if un.Name == name {
			return un
		}
	}
	return nil
}

// unitFor returns the unit and location of a logical channel
func (u *Uploader) unitFor(ch string) (*Unit, ChannelLocation, error) {
	cl, ok := u.channels[ch]
	if !ok {
		return nil, cl, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	un := u.unit(cl.AWG)
	if un == nil {
		return nil, cl, fmt.Errorf("%w: %s for channel %s", ErrUnknownAWG, cl.AWG, ch)
	}
	return un, cl, nil
}

func (u *Uploader) setState(s State) {
	u.state.Store(int32(s))
}

// State returns the step the uploader is on
func (u *Uploader) State() State {
	return State(u.state.Load())
}

// ClearMem frees the memory of every AWG, resets their waveform numbers,
// empties the location table and flushes every device.  Every device is
// flushed even if some fail; the errors are joined.
func (u *Uploader) ClearMem() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.clearMem()
}

func (u *Uploader) clearMem() error {
	var errs []error
	for _, un := range u.units {
		un.clear()
		if err := un.Driver.FlushWaveform(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", un.Name, err))
		}
		u.metrics.free(un)
	}
	u.table = make(LocationTable)
	u.metrics.cleared()
	log.Printf("cleared waveform memory of %d AWG(s)\n", len(u.units))
	return errors.Join(errs...)
}

// Upload places seq on the AWGs.  raw lists the segments the sequence was
// built from; seq holds the elements of each channel in time order.
func (u *Uploader) Upload(raw []string, seq map[string][]Element) (err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer func() {
		u.setState(Idle)
		u.metrics.upload(err)
	}()

	chans := make([]string, 0, len(seq))
	for ch := range seq {
		if _, _, err := u.unitFor(ch); err != nil {
			return err
		}
		chans = append(chans, ch)
	}
	sort.Strings(chans)

	u.setState(CollectingVoltages)
	if err := u.collectVoltages(raw); err != nil {
		return err
	}

	u.setState(NegotiatingRange)
	if err := u.negotiate(); err != nil {
		return err
	}

	u.setState(EstimatingMemory)
	needed, err := u.estimate(chans, seq)
	if err != nil {
		return err
	}

	u.setState(ClearingIfNeeded)
	for _, un := range u.units {
		if needed[un.Name] > un.Free() {
			log.Printf("%s needs %d samples with %d free, clearing all AWGs\n", un.Name, needed[un.Name], un.Free())
			if err := u.clearMem(); err != nil {
				return err
			}
			break
		}
	}

	u.setState(Uploading)
	for _, ch := range chans {
		if err := u.uploadChannel(ch, seq[ch]); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) collectVoltages(raw []string) error {
	u.neg.Reset()
	rate := u.src.SampleRate()
	for _, name := range util.UniqueString(raw) {
		if !u.src.Used(name) {
			return EmptySegmentError{Name: name}
		}
		s, err := u.src.Segment(name)
		if err != nil {
			return err
		}
		for ch, r := range s.VoltageRange(rate) {
			if _, ok := u.channels[ch]; !ok {
				continue
			}
			u.neg.Observe(ch, r)
		}
	}
	return nil
}

func (u *Uploader) negotiate() error {
	chans := u.neg.Observed()
	reset := false
	for _, ch := range chans {
		if err := u.neg.Validate(ch); err != nil {
			return err
		}
		if u.neg.ResetNeeded(ch) {
			reset = true
		}
	}
	if !reset {
		return nil
	}
	for _, ch := range chans {
		un, cl, err := u.unitFor(ch)
		if err != nil {
			return err
		}
		s := u.neg.Propose(ch)
		if err := un.Driver.SetVoltageRange(s.Vpp, s.Voff, cl.Channel); err != nil {
			return fmt.Errorf("set voltage range of %s: %w", ch, err)
		}
		u.neg.Apply(ch, s)
		log.Printf("channel %s output set to %.4g Vpp with %.4g V offset\n", ch, s.Vpp, s.Voff)
	}
	u.metrics.voltageReset()
	return u.clearMem()
}

// estimate returns the samples each AWG must take, by AWG name, counting
// the channel padding of every render
func (u *Uploader) estimate(chans []string, seq map[string][]Element) (map[string]int, error) {
	needed := make(map[string]int)
	for _, ch := range chans {
		un, _, _ := u.unitFor(ch)
		d := u.src.Delay(ch)
		counted := make(map[string]bool)
		for _, el := range seq[ch] {
			s, err := u.src.Segment(el.Segment)
			if err != nil {
				return nil, err
			}
			if el.Unique {
				for i := 0; i < el.reps(); i++ {
					n, err := u.src.Samples(el.Segment, ch, i)
					if err != nil {
						return nil, err
					}
					needed[un.Name] += n
				}
				continue
			}
			if counted[el.Segment] || u.table.Fresh(ch, el.Segment, s.LastMod(), d) {
				continue
			}
			n, err := u.src.Samples(el.Segment, ch, 0)
			if err != nil {
				return nil, err
			}
			counted[el.Segment] = true
			needed[un.Name] += n
		}
	}
	return needed, nil
}

func (u *Uploader) uploadChannel(ch string, elems []Element) error {
	un, cl, _ := u.unitFor(ch)
	var t float64
	for _, el := range elems {
		s, err := u.src.Segment(el.Segment)
		if err != nil {
			return err
		}
		total := s.TotalTime()
		if !el.Unique {
			if u.table.Fresh(ch, el.Segment, s.LastMod(), u.src.Delay(ch)) {
				u.metrics.reused()
			} else if err := u.write(un, ch, cl, el.Segment, el.Segment, 0, t); err != nil {
				return err
			}
			t += total * float64(el.reps())
			continue
		}
		for i := 0; i < el.reps(); i++ {
			if err := u.write(un, ch, cl, el.key(i), el.Segment, i, t); err != nil {
				return err
			}
			t += total
		}
	}
	return nil
}

// write renders one waveform, sends it to the device and records where it
// went
func (u *Uploader) write(un *Unit, ch string, cl ChannelLocation, key, name string, index int, t0 float64) error {
	stamp := now()
	d := u.src.Delay(ch)
	samples, err := u.src.Pulse(name, ch, index, t0)
	if err != nil {
		return err
	}
	num := un.NextNumber()
	if err := un.Driver.Upload(samples, num, cl.Channel); err != nil {
		return fmt.Errorf("upload %s to %s channel %d: %w", key, un.Name, cl.Channel, err)
	}
	un.used += len(samples)
	u.table.Put(ch, key, Location{
		Number:   num,
		Uploaded: stamp,
		Samples:  len(samples),
		Checksum: Checksum(samples),
		Delay:    d,
	})
	u.metrics.wrote(len(samples))
	u.metrics.free(un)
	if un.Free() < 0 {
		log.Printf("%s is %d samples over its memory estimate\n", un.Name, -un.Free())
	}
	return nil
}

// Start plays seq on every AWG whose driver is a Player.  Every element must
// have been uploaded.
func (u *Uploader) Start(seq map[string][]Element) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	chans := make([]string, 0, len(seq))
	for ch := range seq {
		chans = append(chans, ch)
	}
	sort.Strings(chans)
	for _, ch := range chans {
		un, cl, err := u.unitFor(ch)
		if err != nil {
			return err
		}
		var numbers, reps []int
		for _, el := range seq[ch] {
			n := 1
			if !el.Unique {
				n = el.reps()
			}
			for i := 0; i < el.reps(); i += n {
				loc, ok := u.table.Get(ch, el.key(i))
				if !ok {
					return fmt.Errorf("%w: %s on %s", ErrNotUploaded, el.key(i), ch)
				}
				numbers = append(numbers, loc.Number)
				reps = append(reps, n)
			}
		}
		p, ok := un.Driver.(Player)
		if !ok {
			continue
		}
		if err := p.Play(cl.Channel, numbers, reps); err != nil {
			return fmt.Errorf("play %s: %w", ch, err)
		}
	}
	return nil
}

// Memory returns the status of every AWG in the order they were added
func (u *Uploader) Memory() []UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UnitStatus, len(u.units))
	for i, un := range u.units {
		out[i] = un.status()
	}
	return out
}

// Locations returns a copy of the location table of channel
func (u *Uploader) Locations(channel string) map[string]Location {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]Location, len(u.table[channel]))
	for k, v := range u.table[channel] {
		out[k] = v
	}
	return out
}

// Ranges returns the voltage state of every channel seen so far
func (u *Uploader) Ranges() map[string]ChannelRange {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.neg.Ranges()
}
