package segment

import (
	"errors"
	"fmt"

	"github.com/spinqubit/pulselib/wfmcache"
)

// ErrBadDefinition is generated when a definition cannot be built
var ErrBadDefinition = errors.New("bad segment definition")

// Op is one step in building a segment.  The fields used depend on Op:
//
//	block   Start, Stop, V0
//	ramp    Start, Stop, V0, V1
//	marker  Start, Stop
//	wait    Time
//	reset   Time (optional; zero moves the cursor to the end)
type Op struct {
	Op    string  `json:"op" yaml:"op"`
	Start float64 `json:"start,omitempty" yaml:"start,omitempty"`
	Stop  float64 `json:"stop,omitempty" yaml:"stop,omitempty"`
	V0    float64 `json:"v0,omitempty" yaml:"v0,omitempty"`
	V1    float64 `json:"v1,omitempty" yaml:"v1,omitempty"`
	Time  float64 `json:"time,omitempty" yaml:"time,omitempty"`
}

// ChannelDefinition describes the content of one channel.  Elements holds one
// list of ops per sweep point in row-major order; a single element is used for
// every point.
type ChannelDefinition struct {
	// Kind is "voltage" or "marker"
	Kind string `json:"kind" yaml:"kind"`

	// Amplitude is the high level of a marker
	Amplitude float64 `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`

	Shape    []int  `json:"shape,omitempty" yaml:"shape,omitempty"`
	Elements [][]Op `json:"elements" yaml:"elements"`
}

// Definition is the serialized form of a multi-channel segment
type Definition struct {
	Name     string                       `json:"name" yaml:"name"`
	Channels map[string]ChannelDefinition `json:"channels" yaml:"channels"`
}

// Build constructs the segment described by d, rendering through c
func (d Definition) Build(c *wfmcache.Cache) (*Multi, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: segment has no name", ErrBadDefinition)
	}
	m := NewMulti(d.Name)
	for ch, cd := range d.Channels {
		cont, err := cd.build(c)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", d.Name, ch, err)
		}
		m.SetChannel(ch, cont)
	}
	return m, nil
}

func (cd ChannelDefinition) build(c *wfmcache.Cache) (*Container, error) {
	var mk func() Segment
	switch cd.Kind {
	case "voltage", "":
		mk = func() Segment { return NewVoltage(c) }
	case "marker":
		mk = func() Segment { return NewMarker(c, cd.Amplitude) }
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadDefinition, cd.Kind)
	}
	if err := CheckShape(cd.Shape); err != nil {
		return nil, fmt.Errorf("%w: shape %v: %v", ErrBadDefinition, cd.Shape, err)
	}
	cont := NewContainer(cd.Shape, mk)
	switch len(cd.Elements) {
	case 0:
		return cont, nil
	case 1:
		for i, s := range cont.data {
			if err := applyOps(s, cd.Elements[0]); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
	case cont.Len():
		for i, s := range cont.data {
			if err := applyOps(s, cd.Elements[i]); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrBadDefinition, len(cd.Elements), cd.Shape)
	}
	return cont, nil
}

func applyOps(s Segment, ops []Op) error {
	for _, op := range ops {
		var err error
		switch op.Op {
		case "block", "ramp":
			v, ok := s.(*Voltage)
			if !ok {
				return fmt.Errorf("%w: %s on a marker", ErrIncompatible, op.Op)
			}
			if op.Op == "block" {
				err = v.AddBlock(op.Start, op.Stop, op.V0)
			} else {
				err = v.AddRampSS(op.Start, op.Stop, op.V0, op.V1)
			}
		case "marker":
			mk, ok := s.(*Marker)
			if !ok {
				return fmt.Errorf("%w: marker on a voltage", ErrIncompatible)
			}
			err = mk.AddMarker(op.Start, op.Stop)
		case "wait":
			err = s.Wait(op.Time)
		case "reset":
			if op.Time == 0 {
				s.ResetTime()
			} else {
				err = s.ResetTimeAt(op.Time)
			}
		default:
			err = fmt.Errorf("%w: unknown op %q", ErrBadDefinition, op.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
