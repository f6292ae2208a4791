package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	yml "gopkg.in/yaml.v2"

	"github.com/spinqubit/pulselib/awg"
	"github.com/spinqubit/pulselib/comm"
	"github.com/spinqubit/pulselib/generichttp"
	awghttp "github.com/spinqubit/pulselib/generichttp/awg"
	"github.com/spinqubit/pulselib/keysight"
	"github.com/spinqubit/pulselib/segment"
	"github.com/spinqubit/pulselib/server/middleware/locker"
	"github.com/spinqubit/pulselib/wfmcache"
)

// AWGSetup describes one generator
type AWGSetup struct {
	// Name is how channels refer to the AWG
	Name string `koanf:"name" yaml:"name"`

	// Type is "mock" or "keysight"
	Type string `koanf:"type" yaml:"type"`

	// Addr holds the network, serial or usb:VID:PID address of the device
	Addr string `koanf:"addr" yaml:"addr"`

	// Channels is the number of outputs
	Channels int `koanf:"channels" yaml:"channels"`

	// MaxMem is the waveform memory in samples
	MaxMem int `koanf:"maxmem" yaml:"maxmem"`

	// CmdRate limits SCPI commands per second; zero is unlimited
	CmdRate float64 `koanf:"cmdrate" yaml:"cmdrate"`
}

// Limits holds the parameters of the voltage range negotiator
type Limits struct {
	VppMax    float64 `koanf:"vppmax" yaml:"vppmax"`
	VoffMax   float64 `koanf:"voffmax" yaml:"voffmax"`
	Tolerance float64 `koanf:"tolerance" yaml:"tolerance"`
	VppMin    float64 `koanf:"vppmin" yaml:"vppmin"`
}

// Validate checks that the limits allow a usable amplitude
func (l Limits) Validate() error {
	if l.VppMin <= 0 || l.VppMax < l.VppMin {
		return fmt.Errorf("limits: need 0 < vppmin <= vppmax, have vppmin=%g vppmax=%g", l.VppMin, l.VppMax)
	}
	return nil
}

// Channel maps a logical channel to an output
type Channel struct {
	AWG    string `koanf:"awg" yaml:"awg"`
	Output int    `koanf:"output" yaml:"output"`

	// Pre and Post are the channel's delays in ns
	Pre  float64 `koanf:"pre" yaml:"pre"`
	Post float64 `koanf:"post" yaml:"post"`
}

// Config is the server's configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the URL the AWG routes are mounted at
	Root string `koanf:"root" yaml:"root"`

	// SampleRate is shared by every AWG, in S/s
	SampleRate float64 `koanf:"samplerate" yaml:"samplerate"`

	// CacheSize is the number of rendered waveforms kept
	CacheSize int `koanf:"cachesize" yaml:"cachesize"`

	Limits   Limits             `koanf:"limits" yaml:"limits"`
	AWGs     []AWGSetup         `koanf:"awgs" yaml:"awgs"`
	Channels map[string]Channel `koanf:"channels" yaml:"channels"`

	// Segments lists definition files loaded at startup
	Segments []string `koanf:"segments" yaml:"segments"`
}

// DefaultConfig runs a single mock AWG
func DefaultConfig() Config {
	return Config{
		Addr:       ":8000",
		Root:       "/awg",
		SampleRate: 1e9,
		CacheSize:  wfmcache.DefaultSize,
		Limits:     Limits{VppMax: 1.5, VoffMax: 1.5, Tolerance: 0.1, VppMin: 0.001},
		AWGs:       []AWGSetup{{Name: "awg0", Type: "mock", Channels: 2, MaxMem: 16_000_000}},
		Channels: map[string]Channel{
			"P1": {AWG: "awg0", Output: 1},
			"P2": {AWG: "awg0", Output: 2},
		},
	}
}

// LoadDefinition reads a YAML or JSON segment definition file
func LoadDefinition(path string) (segment.Definition, error) {
	def := segment.Definition{}
	f, err := os.Open(path)
	if err != nil {
		return def, err
	}
	defer f.Close()
	err = yml.NewDecoder(f).Decode(&def)
	return def, err
}

// LoadSequence reads a YAML or JSON sequence file
func LoadSequence(path string) (awghttp.Sequence, error) {
	seq := awghttp.Sequence{}
	f, err := os.Open(path)
	if err != nil {
		return seq, err
	}
	defer f.Close()
	err = yml.NewDecoder(f).Decode(&seq)
	return seq, err
}

func makeDriver(s AWGSetup) (awg.Driver, error) {
	switch strings.ToLower(s.Type) {
	case "mock":
		return awg.NewMock(), nil
	case "keysight", "33500", "33600":
		return keysight.Dial(s.Addr, comm.DefaultDialConfig, s.Channels, s.CmdRate), nil
	default:
		return nil, fmt.Errorf("AWG %s: type %q not understood", s.Name, s.Type)
	}
}

// Build constructs the segment bin and uploader described by c
func Build(c Config, reg prometheus.Registerer) (*segment.Bin, *awg.Uploader, error) {
	if err := c.Limits.Validate(); err != nil {
		return nil, nil, err
	}
	bin := segment.NewBin(wfmcache.New(c.CacheSize), c.SampleRate)
	chans := make(map[string]awg.ChannelLocation, len(c.Channels))
	for name, ch := range c.Channels {
		chans[name] = awg.ChannelLocation{AWG: ch.AWG, Channel: ch.Output}
		if ch.Pre != 0 || ch.Post != 0 {
			bin.SetDelay(name, segment.Delay{Pre: ch.Pre, Post: ch.Post})
		}
	}
	l := c.Limits
	up := awg.New(awg.Config{
		Source:     bin,
		Channels:   chans,
		Negotiator: awg.NewNegotiator(l.VppMax, l.VoffMax, l.Tolerance, l.VppMin),
		Metrics:    awg.NewMetrics(reg),
	})
	for _, s := range c.AWGs {
		d, err := makeDriver(s)
		if err != nil {
			return nil, nil, err
		}
		if err := up.AddAWG(s.Name, d, s.MaxMem); err != nil {
			return nil, nil, err
		}
	}
	for _, path := range c.Segments {
		def, err := LoadDefinition(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		m, err := def.Build(bin.Cache())
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		bin.Add(m)
		log.Printf("loaded segment %s from %s\n", m.Name, path)
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "awg_cache_entries",
		Help: "Rendered waveforms held in the cache.",
	}, func() float64 { return float64(bin.Cache().Len()) }))
	return bin, up, nil
}

// BuildMux mounts the AWG routes at c.Root behind a lock, and serves
// /metrics and /endpoints
func BuildMux(c Config, reg *prometheus.Registry) (chi.Router, error) {
	bin, up, err := Build(c, reg)
	if err != nil {
		return nil, err
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	h := awghttp.NewHTTPAWG(bin, up)
	lock := locker.New()
	locker.Inject(h, lock)
	r := chi.NewRouter()
	r.Use(lock.Check)
	h.RT().Bind(r)
	stem := generichttp.SubMuxSanitize(c.Root)
	root.Mount(stem, r)

	supergraph := map[string][]string{stem: h.RT().Endpoints()}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(supergraph); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return root, nil
}

// uploadURL is where a server configured by c accepts uploads
func uploadURL(c Config) string {
	host := c.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + generichttp.SubMuxSanitize(c.Root) + "/upload"
}

// postSequence sends seq to url
func postSequence(url string, seq awghttp.Sequence) error {
	body, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	cl := http.Client{Timeout: 10 * time.Minute}
	resp, err := cl.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
