// Package awg exposes segment definitions and AWG uploads over HTTP
package awg

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"gopkg.in/yaml.v2"

	core "github.com/spinqubit/pulselib/awg"
	"github.com/spinqubit/pulselib/generichttp"
	"github.com/spinqubit/pulselib/segment"
	"github.com/spinqubit/pulselib/wfmcache"
)

// Sequence is the body of an upload or start request
type Sequence struct {
	// Raw lists the segments the sequence was built from; empty means every
	// segment named by Elements
	Raw []string `json:"raw,omitempty" yaml:"raw,omitempty"`

	// Elements holds the elements of each channel in time order
	Elements map[string][]core.Element `json:"elements" yaml:"elements"`
}

func (s Sequence) raw() []string {
	if len(s.Raw) > 0 {
		return s.Raw
	}
	var names []string
	for _, els := range s.Elements {
		for _, el := range els {
			names = append(names, el.Segment)
		}
	}
	return names
}

// SegmentInfo summarizes a segment in the bin
type SegmentInfo struct {
	Name      string   `json:"name"`
	Channels  []string `json:"channels"`
	Len       int      `json:"len"`
	TotalTime float64  `json:"totalTime"`
	Used      bool     `json:"used"`
}

// HTTPAWG wraps a segment bin and uploader in an HTTP route table
type HTTPAWG struct {
	Bin *segment.Bin
	Up  *core.Uploader

	mu   sync.Mutex
	last *Sequence

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPAWG returns a new HTTP wrapper around bin and up
func NewHTTPAWG(bin *segment.Bin, up *core.Uploader) *HTTPAWG {
	h := &HTTPAWG{Bin: bin, Up: up}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/segments"}:             h.listSegments,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/segments"}:            h.addSegment,
		generichttp.MethodPath{Method: http.MethodDelete, Path: "/segments/{name}"}:   h.removeSegment,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/segments/{name}/fits"}: h.fits,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/delays"}:               h.getDelays,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/delays"}:              h.setDelays,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/upload"}:              h.upload,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}:               h.start,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/clear"}:               h.clear,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/memory"}:               h.memory,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/locations/{channel}"}:  h.locations,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/voltage"}:              h.voltage,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:                generichttp.GetString(h.state),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/cache"}:                h.cacheStats,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/cache/clear"}:         h.clearCache,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/cache-size"}:           generichttp.GetInt(h.cacheSize),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/cache-size"}:          generichttp.SetInt(h.setCacheSize),
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPAWG) RT() generichttp.RouteTable {
	return h.RouteTable
}

// status maps an error to the HTTP status that best describes it
func status(err error) int {
	var (
		vr core.VoltageRangeError
		es core.EmptySegmentError
	)
	switch {
	case errors.Is(err, segment.ErrUnknownSegment):
		return http.StatusNotFound
	case errors.Is(err, segment.ErrBadDefinition),
		errors.Is(err, segment.ErrInvalidInterval),
		errors.Is(err, segment.ErrNegativeShift),
		errors.Is(err, segment.ErrIncompatible),
		errors.Is(err, segment.ErrUnknownChannel),
		errors.Is(err, segment.ErrIndexOutOfRange),
		errors.Is(err, core.ErrUnknownChannel),
		errors.As(err, &es):
		return http.StatusBadRequest
	case errors.As(err, &vr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotUploaded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), status(err))
}

// decode reads a JSON or, by Content-Type, YAML body into v
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return generichttp.Decode(w, r, v)
	}
	defer r.Body.Close()
	if err := yaml.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *HTTPAWG) listSegments(w http.ResponseWriter, r *http.Request) {
	names := h.Bin.Names()
	out := make([]SegmentInfo, 0, len(names))
	for _, n := range names {
		m, err := h.Bin.Multi(n)
		if err != nil {
			// removed since Names was called
			continue
		}
		out = append(out, SegmentInfo{
			Name:      n,
			Channels:  m.Channels(),
			Len:       m.Len(),
			TotalTime: m.TotalTime(),
			Used:      h.Bin.Used(n),
		})
	}
	generichttp.Reply(w, out)
}

func (h *HTTPAWG) addSegment(w http.ResponseWriter, r *http.Request) {
	var def segment.Definition
	if !decode(w, r, &def) {
		return
	}
	m, err := def.Build(h.Bin.Cache())
	if err != nil {
		fail(w, err)
		return
	}
	h.Bin.Add(m)
	w.WriteHeader(http.StatusCreated)
}

func (h *HTTPAWG) removeSegment(w http.ResponseWriter, r *http.Request) {
	if err := h.Bin.Remove(chi.URLParam(r, "name")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAWG) fits(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	index := 0
	if s := r.URL.Query().Get("index"); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		index = i
	}
	m, err := h.Bin.Multi(name)
	if err != nil {
		fail(w, err)
		return
	}
	chans := m.Channels()
	rows := make([][]float64, len(chans))
	for i, ch := range chans {
		rows[i], err = h.Bin.Pulse(name, ch, index, 0)
		if err != nil {
			fail(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".fits"))
	if err := WriteFits(w, name, index, h.Bin.SampleRate(), chans, rows); err != nil {
		fail(w, err)
	}
}

func (h *HTTPAWG) getDelays(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, h.Bin.Delays())
}

func (h *HTTPAWG) setDelays(w http.ResponseWriter, r *http.Request) {
	var d map[string]segment.Delay
	if !decode(w, r, &d) {
		return
	}
	for ch, v := range d {
		h.Bin.SetDelay(ch, v)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAWG) upload(w http.ResponseWriter, r *http.Request) {
	var seq Sequence
	if !decode(w, r, &seq) {
		return
	}
	if err := h.Up.Upload(seq.raw(), seq.Elements); err != nil {
		fail(w, err)
		return
	}
	h.mu.Lock()
	h.last = &seq
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// start plays the posted sequence, or the last one uploaded if the body is
// empty
func (h *HTTPAWG) start(w http.ResponseWriter, r *http.Request) {
	var seq *Sequence
	if r.ContentLength != 0 {
		seq = &Sequence{}
		if !decode(w, r, seq) {
			return
		}
	} else {
		h.mu.Lock()
		seq = h.last
		h.mu.Unlock()
	}
	if seq == nil {
		http.Error(w, core.ErrNotUploaded.Error(), http.StatusConflict)
		return
	}
	if err := h.Up.Start(seq.Elements); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAWG) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Up.ClearMem(); err != nil {
		fail(w, err)
		return
	}
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAWG) memory(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, h.Up.Memory())
}

func (h *HTTPAWG) locations(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, h.Up.Locations(chi.URLParam(r, "channel")))
}

func (h *HTTPAWG) voltage(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, h.Up.Ranges())
}

func (h *HTTPAWG) state() (string, error) {
	return h.Up.State().String(), nil
}

func (h *HTTPAWG) cacheStats(w http.ResponseWriter, r *http.Request) {
	c := h.Bin.Cache()
	generichttp.Reply(w, struct {
		wfmcache.Stats
		Len     int `json:"len"`
		MaxSize int `json:"maxSize"`
	}{h.Bin.CacheStats(), c.Len(), c.MaxSize()})
}

func (h *HTTPAWG) clearCache(w http.ResponseWriter, r *http.Request) {
	h.Bin.ClearCache()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAWG) cacheSize() (int, error) {
	return h.Bin.Cache().MaxSize(), nil
}

func (h *HTTPAWG) setCacheSize(n int) error {
	if n < 0 {
		return fmt.Errorf("cache size must be non-negative, got %d", n)
	}
	h.Bin.SetCacheSize(n)
	return nil
}
