package awg_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spinqubit/pulselib/awg"
	"github.com/spinqubit/pulselib/segment"
	"github.com/spinqubit/pulselib/wfmcache"
)

// block returns a segment with a 0.5 V block of length ns on P1 and P2
func block(c *wfmcache.Cache, name string, length float64) *segment.Multi {
	m := segment.NewMulti(name)
	for _, ch := range []string{"P1", "P2"} {
		m.SetChannel(ch, segment.NewContainer(nil, func() segment.Segment {
			v := segment.NewVoltage(c)
			v.AddBlock(0, length, 0.5)
			return v
		}))
	}
	return m
}

// sweep returns a segment on P1 with one block of amplitude a per point
func sweep(c *wfmcache.Cache, name string, amps ...float64) *segment.Multi {
	m := segment.NewMulti(name)
	i := 0
	m.SetChannel("P1", segment.NewContainer([]int{len(amps)}, func() segment.Segment {
		v := segment.NewVoltage(c)
		v.AddBlock(0, 10, amps[i])
		i++
		return v
	}))
	return m
}

type rig struct {
	bin    *segment.Bin
	up     *awg.Uploader
	a0, a1 *awg.Mock
}

func newRig(t *testing.T) rig {
	t.Helper()
	bin := segment.NewBin(wfmcache.New(100), 1e9)
	up := awg.New(awg.Config{
		Source: bin,
		Channels: map[string]awg.ChannelLocation{
			"P1": {AWG: "awg0", Channel: 1},
			"P2": {AWG: "awg1", Channel: 1},
		},
		Negotiator: awg.NewNegotiator(3, 1.5, 0.1, 0.001),
		Metrics:    awg.NewMetrics(prometheus.NewRegistry()),
	})
	r := rig{bin: bin, up: up, a0: awg.NewMock(), a1: awg.NewMock()}
	if err := up.AddAWG("awg0", r.a0, 1000); err != nil {
		t.Fatal(err)
	}
	if err := up.AddAWG("awg1", r.a1, 1000); err != nil {
		t.Fatal(err)
	}
	return r
}

func keys(m map[string]awg.Location) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestAddAWGDuplicate(t *testing.T) {
	r := newRig(t)
	if err := r.up.AddAWG("awg0", awg.NewMock(), 10); !errors.Is(err, awg.ErrDuplicateAWG) {
		t.Errorf("expected ErrDuplicateAWG, got %v", err)
	}
}

func TestOverflowClearsEveryAWG(t *testing.T) {
	r := newRig(t)
	c := r.bin.Cache()
	r.bin.Add(block(c, "short", 100))
	r.bin.Add(block(c, "long", 1199))

	first := map[string][]awg.Element{
		"P1": {{Segment: "short"}},
		"P2": {{Segment: "short"}},
	}
	if err := r.up.Upload([]string{"short"}, first); err != nil {
		t.Fatal(err)
	}
	// the first upload configures the output window, which clears once
	if r.a0.Flushes != 1 || r.a1.Flushes != 1 {
		t.Fatalf("expected one flush each after the first upload, got %d and %d", r.a0.Flushes, r.a1.Flushes)
	}

	second := map[string][]awg.Element{
		"P1": {{Segment: "long"}},
		"P2": {{Segment: "short"}},
	}
	if err := r.up.Upload([]string{"long", "short"}, second); err != nil {
		t.Fatal(err)
	}
	if r.a0.Flushes != 2 || r.a1.Flushes != 2 {
		t.Errorf("expected both AWGs cleared, got %d and %d flushes", r.a0.Flushes, r.a1.Flushes)
	}
	if diff := cmp.Diff([]string{"long"}, keys(r.up.Locations("P1"))); diff != "" {
		t.Errorf("P1 locations mismatch (-want +got):\n%s", diff)
	}
	loc, ok := r.up.Locations("P2")["short"]
	if !ok || loc.Number != 0 {
		t.Errorf("expected short re-uploaded to P2 as number 0, got %+v", loc)
	}
	mem := r.up.Memory()
	if mem[0].Used != 1200 || mem[0].Counter != 1 {
		t.Errorf("expected awg0 to hold 1200 samples in one waveform, got %+v", mem[0])
	}
	if mem[1].Used != 101 || mem[1].Counter != 1 {
		t.Errorf("expected awg1 to hold 101 samples in one waveform, got %+v", mem[1])
	}
	if r.a0.Len() != 1 || r.a1.Len() != 1 {
		t.Errorf("expected one waveform on each device, got %d and %d", r.a0.Len(), r.a1.Len())
	}
	if r.up.State() != awg.Idle {
		t.Errorf("expected idle after upload, got %s", r.up.State())
	}
}

func TestReuseSkipsRender(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "plateau", 50))
	seq := map[string][]awg.Element{"P1": {{Segment: "plateau", Reps: 4}}}
	if err := r.up.Upload([]string{"plateau"}, seq); err != nil {
		t.Fatal(err)
	}
	uploads := r.a0.Uploads
	renders := r.bin.CacheStats().Renders
	flushes := r.a0.Flushes

	if err := r.up.Upload([]string{"plateau"}, seq); err != nil {
		t.Fatal(err)
	}
	if r.a0.Uploads != uploads {
		t.Errorf("expected no new uploads, got %d", r.a0.Uploads-uploads)
	}
	if got := r.bin.CacheStats().Renders; got != renders {
		t.Errorf("expected no new renders, got %d", got-renders)
	}
	if r.a0.Flushes != flushes {
		t.Errorf("expected no clears, got %d", r.a0.Flushes-flushes)
	}
}

func TestModifiedSegmentIsUploadedAgain(t *testing.T) {
	r := newRig(t)
	m := block(r.bin.Cache(), "plateau", 50)
	r.bin.Add(m)
	seq := map[string][]awg.Element{"P1": {{Segment: "plateau"}}}
	if err := r.up.Upload([]string{"plateau"}, seq); err != nil {
		t.Fatal(err)
	}
	before := r.up.Locations("P1")["plateau"]

	cont, _ := m.Channel("P1")
	s, _ := cont.Index(0)
	if err := s.(*segment.Voltage).AddBlock(50, 60, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := r.up.Upload([]string{"plateau"}, seq); err != nil {
		t.Fatal(err)
	}
	after := r.up.Locations("P1")["plateau"]
	if after.Number == before.Number {
		t.Errorf("expected a new waveform number, both are %d", after.Number)
	}
	if after.Samples != 61 {
		t.Errorf("expected 61 samples, got %d", after.Samples)
	}
	if after.Checksum == before.Checksum {
		t.Error("expected the checksum to change with the content")
	}
}

func TestRepeatedSegmentUploadsOnce(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "a", 10))
	r.bin.Add(block(r.bin.Cache(), "b", 20))
	seq := map[string][]awg.Element{"P1": {{Segment: "a"}, {Segment: "b"}, {Segment: "a", Reps: 3}}}
	if err := r.up.Upload([]string{"a", "b"}, seq); err != nil {
		t.Fatal(err)
	}
	if r.a0.Uploads != 2 {
		t.Errorf("expected 2 uploads, got %d", r.a0.Uploads)
	}
}

func TestUniqueElementsAreDistinct(t *testing.T) {
	r := newRig(t)
	r.bin.Add(sweep(r.bin.Cache(), "sweep", 0.1, 0.2, 0.3))
	seq := map[string][]awg.Element{"P1": {{Segment: "sweep", Reps: 3, Unique: true, Identifiers: []string{"first"}}}}
	if err := r.up.Upload([]string{"sweep"}, seq); err != nil {
		t.Fatal(err)
	}
	locs := r.up.Locations("P1")
	for i, key := range []string{"first", "sweep/1", "sweep/2"} {
		loc, ok := locs[key]
		if !ok {
			t.Fatalf("expected location for %s, have %v", key, keys(locs))
		}
		w, ok := r.a0.Waveform(loc.Number)
		if !ok {
			t.Fatalf("expected waveform %d on the device", loc.Number)
		}
		exp := []float64{0.1, 0.2, 0.3}[i]
		if w.Samples[0] != exp {
			t.Errorf("%s: expected first sample %f, got %f", key, exp, w.Samples[0])
		}
	}

	// unique elements are never reused
	if err := r.up.Upload([]string{"sweep"}, seq); err != nil {
		t.Fatal(err)
	}
	if r.a0.Uploads != 6 {
		t.Errorf("expected 6 uploads over two calls, got %d", r.a0.Uploads)
	}
}

func TestEmptySegment(t *testing.T) {
	r := newRig(t)
	r.bin.Add(segment.NewMulti("idle"))
	err := r.up.Upload([]string{"idle"}, map[string][]awg.Element{"P1": {{Segment: "idle"}}})
	var ese awg.EmptySegmentError
	if !errors.As(err, &ese) {
		t.Fatalf("expected EmptySegmentError, got %v", err)
	}
	if ese.Name != "idle" {
		t.Errorf("expected error to name idle, got %s", ese.Name)
	}
	if r.a0.Uploads != 0 {
		t.Error("expected nothing uploaded")
	}
	if r.up.State() != awg.Idle {
		t.Errorf("expected idle after a failed upload, got %s", r.up.State())
	}
}

func TestVoltageRangeAbortsUpload(t *testing.T) {
	r := newRig(t)
	r.bin.Add(sweep(r.bin.Cache(), "huge", -2, 2))
	err := r.up.Upload([]string{"huge"}, map[string][]awg.Element{"P1": {{Segment: "huge"}}})
	var vre awg.VoltageRangeError
	if !errors.As(err, &vre) {
		t.Fatalf("expected VoltageRangeError, got %v", err)
	}
	if r.a0.Uploads != 0 || r.a0.Flushes != 0 {
		t.Error("expected no device activity")
	}
	if _, ok := r.a0.Range(1); ok {
		t.Error("expected the output window to be left alone")
	}
}

func TestUnknownChannel(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "a", 10))
	err := r.up.Upload([]string{"a"}, map[string][]awg.Element{"X7": {{Segment: "a"}}})
	if !errors.Is(err, awg.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestVoltageResetConfiguresEveryChannel(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "a", 10))
	if err := r.up.Upload([]string{"a"}, map[string][]awg.Element{"P1": {{Segment: "a"}}}); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*awg.Mock{r.a0, r.a1} {
		s, ok := m.Range(1)
		if !ok {
			t.Fatal("expected output window set on both AWGs")
		}
		if s.Voff != 0.25 || s.Vpp < 0.5 {
			t.Errorf("expected a window around [0, 0.5], got %+v", s)
		}
	}
	if cr := r.up.Ranges()["P2"]; !cr.Configured {
		t.Error("expected P2 to be configured")
	}
}

func TestClearMemIdempotent(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "a", 10))
	if err := r.up.Upload([]string{"a"}, map[string][]awg.Element{"P1": {{Segment: "a"}}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := r.up.ClearMem(); err != nil {
			t.Fatal(err)
		}
		if len(r.up.Locations("P1")) != 0 {
			t.Error("expected an empty location table")
		}
		for _, st := range r.up.Memory() {
			if st.Used != 0 || st.Counter != 0 || st.Free != st.MaxMem {
				t.Errorf("expected %s fully free, got %+v", st.Name, st)
			}
		}
	}
	if r.a0.Len() != 0 {
		t.Error("expected the device to be flushed")
	}
}

func TestClearMemReportsFlushFailure(t *testing.T) {
	r := newRig(t)
	r.a0.Fail = true
	err := r.up.ClearMem()
	if !errors.Is(err, awg.ErrMockFailure) {
		t.Errorf("expected ErrMockFailure, got %v", err)
	}
	if r.a1.Flushes != 1 {
		t.Error("expected the healthy AWG to be flushed anyway")
	}
}

func TestStartPlaysUploadedNumbers(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "a", 10))
	r.bin.Add(sweep(r.bin.Cache(), "sweep", 0.1, 0.2))
	seq := map[string][]awg.Element{"P1": {
		{Segment: "a", Reps: 3},
		{Segment: "sweep", Reps: 2, Unique: true},
	}}
	if err := r.up.Upload([]string{"a", "sweep"}, seq); err != nil {
		t.Fatal(err)
	}
	if err := r.up.Start(seq); err != nil {
		t.Fatal(err)
	}
	locs := r.up.Locations("P1")
	a, s0, s1 := locs["a"].Number, locs["sweep/0"].Number, locs["sweep/1"].Number
	exp := []int{a, a, a, s0, s1}
	if diff := cmp.Diff(exp, r.a0.Playing(1)); diff != "" {
		t.Errorf("play queue mismatch (-want +got):\n%s", diff)
	}
}

func TestStartRequiresUpload(t *testing.T) {
	r := newRig(t)
	err := r.up.Start(map[string][]awg.Element{"P1": {{Segment: "a"}}})
	if !errors.Is(err, awg.ErrNotUploaded) {
		t.Errorf("expected ErrNotUploaded, got %v", err)
	}
}

func plateauSeq() map[string][]awg.Element {
	return map[string][]awg.Element{"P1": {{Segment: "plateau"}}}
}

func TestReplacedSegmentIsUploadedAgain(t *testing.T) {
	r := newRig(t)
	c := r.bin.Cache()
	// built before the first upload, so its elements are older than it
	replacement := block(c, "plateau", 500)
	r.bin.Add(block(c, "plateau", 50))
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}

	r.bin.Add(replacement)
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}
	if loc := r.up.Locations("P1")["plateau"]; loc.Samples != 501 {
		t.Errorf("expected the replacement's 501 samples on the device, got %d", loc.Samples)
	}
}

func TestReplacedChannelIsUploadedAgain(t *testing.T) {
	r := newRig(t)
	c := r.bin.Cache()
	longer := segment.NewContainer(nil, func() segment.Segment {
		v := segment.NewVoltage(c)
		v.AddBlock(0, 300, 0.5)
		return v
	})
	m := block(c, "plateau", 50)
	r.bin.Add(m)
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}

	m.SetChannel("P1", longer)
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}
	if loc := r.up.Locations("P1")["plateau"]; loc.Samples != 301 {
		t.Errorf("expected the new channel's 301 samples on the device, got %d", loc.Samples)
	}
}

func TestDelayChangeIsUploadedAgain(t *testing.T) {
	r := newRig(t)
	r.bin.Add(block(r.bin.Cache(), "plateau", 50))
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}
	uploads := r.a0.Uploads

	r.bin.SetDelay("P1", segment.Delay{Pre: -20, Post: 20})
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}
	if r.a0.Uploads != uploads+1 {
		t.Fatalf("expected one new upload after the delay change, got %d", r.a0.Uploads-uploads)
	}
	loc := r.up.Locations("P1")["plateau"]
	w, ok := r.a0.Waveform(loc.Number)
	if !ok || len(w.Samples) != 91 {
		t.Errorf("expected 91 padded samples on the device, got %d", len(w.Samples))
	}
	if loc.Delay != (segment.Delay{Pre: -20, Post: 20}) {
		t.Errorf("expected the delay to be recorded, got %+v", loc.Delay)
	}

	// unchanged delays reuse the padded waveform
	if err := r.up.Upload([]string{"plateau"}, plateauSeq()); err != nil {
		t.Fatal(err)
	}
	if r.a0.Uploads != uploads+1 {
		t.Errorf("expected reuse with unchanged delays, got %d uploads", r.a0.Uploads-uploads)
	}
}

func TestEstimateCountsDelays(t *testing.T) {
	r := newRig(t)
	c := r.bin.Cache()
	r.bin.Add(block(c, "short", 100))
	r.bin.Add(block(c, "long", 850))
	if err := r.up.Upload([]string{"short"}, map[string][]awg.Element{"P1": {{Segment: "short"}}}); err != nil {
		t.Fatal(err)
	}
	flushes := r.a0.Flushes

	// 851 samples fit in the 899 left, the padded 901 do not
	r.bin.SetDelay("P1", segment.Delay{Pre: -50})
	if err := r.up.Upload([]string{"long"}, map[string][]awg.Element{"P1": {{Segment: "long"}}}); err != nil {
		t.Fatal(err)
	}
	if r.a0.Flushes != flushes+1 {
		t.Errorf("expected the padding to force a clear, got %d flushes", r.a0.Flushes-flushes)
	}
	st := r.up.Memory()[0]
	if st.Used != 901 || st.Free < 0 {
		t.Errorf("expected 901 samples used within capacity, got %+v", st)
	}
}
