package segment_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v2"

	"github.com/spinqubit/pulselib/segment"
	"github.com/spinqubit/pulselib/wfmcache"
)

const sweepJSON = `{
	"name": "plunger",
	"channels": {
		"P1": {"kind": "voltage", "shape": [3], "elements": [
			[{"op": "block", "start": 0, "stop": 4, "v0": 0.1}],
			[{"op": "block", "start": 0, "stop": 4, "v0": 0.2}],
			[{"op": "block", "start": 0, "stop": 4, "v0": -0.3}]
		]},
		"M1": {"kind": "marker", "amplitude": 1, "elements": [
			[{"op": "marker", "start": 1, "stop": 3}, {"op": "wait", "time": 2}]
		]}
	}
}`

const rampYAML = `
name: ramp
channels:
  P2:
    kind: voltage
    elements:
      - - op: ramp
          start: 0
          stop: 4
          v0: 0
          v1: 1
`

func buildSweep(t *testing.T, c *wfmcache.Cache) *segment.Multi {
	t.Helper()
	var d segment.Definition
	if err := json.Unmarshal([]byte(sweepJSON), &d); err != nil {
		t.Fatal(err)
	}
	m, err := d.Build(c)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestContainerIndexing(t *testing.T) {
	c := segment.NewContainer([]int{2, 3}, func() segment.Segment { return segment.NewVoltage(nil) })
	if c.Len() != 6 {
		t.Fatalf("expected 6 elements, got %d", c.Len())
	}
	v := segment.NewVoltage(nil)
	v.Wait(7)
	if err := c.Set(v, 1, 2); err != nil {
		t.Fatal(err)
	}
	got, err := c.Index(5)
	if err != nil {
		t.Fatal(err)
	}
	if got != segment.Segment(v) {
		t.Error("expected [1, 2] to be flat index 5")
	}
	if _, err := c.At(2, 0); !errors.Is(err, segment.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	exp := []float64{0, 0, 0, 0, 0, 7}
	if diff := cmp.Diff(exp, c.TotalTimes()); diff != "" {
		t.Errorf("total times mismatch (-want +got):\n%s", diff)
	}
}

func TestContainerCopyIsDeep(t *testing.T) {
	c := segment.NewContainer([]int{2}, func() segment.Segment { return segment.NewMarker(nil, 1) })
	cp := c.Copy()
	a, _ := c.Index(0)
	b, _ := cp.Index(0)
	if a.ID() == b.ID() {
		t.Error("expected copied elements to have new ids")
	}
	a.Wait(3)
	if b.TotalTime() != 0 {
		t.Error("expected copy to be independent of the original")
	}
}

func TestDefinitionBuild(t *testing.T) {
	m := buildSweep(t, wfmcache.New(10))
	if diff := cmp.Diff([]string{"M1", "P1"}, m.Channels()); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if m.Len() != 3 {
		t.Errorf("expected 3 sweep points, got %d", m.Len())
	}
	if m.TotalTime() != 5 {
		t.Errorf("expected total time 5, got %f", m.TotalTime())
	}
	vr := m.VoltageRange(1e9)
	if vr["P1"] != (segment.VRange{Min: -0.3, Max: 0.2}) {
		t.Errorf("expected P1 range [-0.3, 0.2], got %+v", vr["P1"])
	}
	if vr["M1"] != (segment.VRange{Min: 0, Max: 1}) {
		t.Errorf("expected M1 range [0, 1], got %+v", vr["M1"])
	}
}

func TestDefinitionYAML(t *testing.T) {
	var d segment.Definition
	if err := yaml.Unmarshal([]byte(rampYAML), &d); err != nil {
		t.Fatal(err)
	}
	m, err := d.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Render("P2", 0, 0, 0, 1e9)
	if err != nil {
		t.Fatal(err)
	}
	exp := []float64{0, .25, .5, .75, 0}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("render mismatch (-want +got):\n%s", diff)
	}
}

func TestDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		def  segment.Definition
		err  error
	}{
		{"no name", segment.Definition{}, segment.ErrBadDefinition},
		{"bad kind", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Kind: "sine"}}}, segment.ErrBadDefinition},
		{"marker on voltage", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Elements: [][]segment.Op{{{Op: "marker", Stop: 1}}}}}}, segment.ErrIncompatible},
		{"inverted block", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Elements: [][]segment.Op{{{Op: "block", Start: 3, Stop: 1}}}}}}, segment.ErrInvalidInterval},
		{"element count", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Shape: []int{3}, Elements: [][]segment.Op{{}, {}}}}}, segment.ErrBadDefinition},
		{"negative dimension", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Shape: []int{-2}}}}, segment.ErrBadDefinition},
		{"zero dimension", segment.Definition{Name: "x", Channels: map[string]segment.ChannelDefinition{
			"P1": {Shape: []int{2, 0}}}}, segment.ErrBadDefinition},
	}
	for _, tt := range tests {
		if _, err := tt.def.Build(nil); !errors.Is(err, tt.err) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.err, err)
		}
	}
}

func TestBinPulseAppliesChannelDelay(t *testing.T) {
	b := segment.NewBin(wfmcache.New(10), 1e9)
	b.Add(buildSweep(t, b.Cache()))
	b.SetDelay("P1", segment.Delay{Pre: -2, Post: 1})

	got, err := b.Pulse("plunger", "P1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	// total time of P1 is 4 ns: 5 samples, 2 before, 1 after
	exp := []float64{.2, .2, .2, .2, .2, .2, 0, 0}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("pulse mismatch (-want +got):\n%s", diff)
	}

	// the marker channel has one element, shared by every sweep point
	mk, err := b.Pulse("plunger", "M1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 1, 1, 0, 0, 0}, mk); diff != "" {
		t.Errorf("marker pulse mismatch (-want +got):\n%s", diff)
	}

	if _, err := b.Pulse("plunger", "P1", 3, 0); !errors.Is(err, segment.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := b.Pulse("plunger", "X9", 0, 0); !errors.Is(err, segment.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	if _, err := b.Pulse("plunger", "P1", 0, -1); !errors.Is(err, segment.ErrNegativeShift) {
		t.Errorf("expected ErrNegativeShift, got %v", err)
	}
}

func TestBinSegments(t *testing.T) {
	b := segment.NewBin(nil, 1e9)
	b.Add(buildSweep(t, b.Cache()))
	b.Add(segment.NewMulti("idle"))
	if diff := cmp.Diff([]string{"idle", "plunger"}, b.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if !b.Used("plunger") {
		t.Error("expected plunger to be used")
	}
	if b.Used("idle") || b.Used("missing") {
		t.Error("expected empty and missing segments to be unused")
	}
	if _, err := b.Segment("missing"); !errors.Is(err, segment.ErrUnknownSegment) {
		t.Errorf("expected ErrUnknownSegment, got %v", err)
	}
	if err := b.Remove("plunger"); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove("plunger"); !errors.Is(err, segment.ErrUnknownSegment) {
		t.Errorf("expected ErrUnknownSegment on second remove, got %v", err)
	}
}

func TestNewContainerRejectsBadShape(t *testing.T) {
	if err := segment.CheckShape([]int{2, 3}); err != nil {
		t.Errorf("expected a valid shape, got %v", err)
	}
	defer func() {
		err, _ := recover().(error)
		if !errors.Is(err, segment.ErrIndexOutOfRange) {
			t.Errorf("expected a panic with ErrIndexOutOfRange, got %v", err)
		}
	}()
	segment.NewContainer([]int{-2}, func() segment.Segment { return segment.NewVoltage(nil) })
}

func TestBinSamplesMatchesPulse(t *testing.T) {
	b := segment.NewBin(wfmcache.New(10), 1e9)
	b.Add(buildSweep(t, b.Cache()))
	for _, d := range []segment.Delay{{}, {Pre: -2, Post: 1}, {Pre: 1, Post: -1}, {Pre: 3, Post: -3}, {Pre: -2.6, Post: 0.4}} {
		b.SetDelay("P1", d)
		b.SetDelay("M1", d)
		for ch, idx := range map[string]int{"P1": 1, "M1": 0} {
			got, err := b.Pulse("plunger", ch, idx, 0)
			if err != nil {
				t.Fatal(err)
			}
			n, err := b.Samples("plunger", ch, idx)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(got) {
				t.Errorf("%s with %+v: Samples says %d, Pulse made %d", ch, d, n, len(got))
			}
		}
	}
	if _, err := b.Samples("plunger", "X9", 0); !errors.Is(err, segment.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestMultiLastModTracksLayout(t *testing.T) {
	m := buildSweep(t, nil)
	before := m.LastMod()
	time.Sleep(time.Millisecond)
	c, _ := m.Channel("P1")
	m.SetChannel("P2", c.Copy())
	if !m.LastMod().After(before) {
		t.Error("expected SetChannel to advance LastMod")
	}

	b := segment.NewBin(nil, 1e9)
	old := buildSweep(t, b.Cache())
	b.Add(buildSweep(t, b.Cache()))
	stamp := time.Now()
	time.Sleep(time.Millisecond)
	b.Add(old)
	s, err := b.Segment("plunger")
	if err != nil {
		t.Fatal(err)
	}
	if !s.LastMod().After(stamp) {
		t.Error("expected a segment placed by Add to count as modified")
	}
}
