// Package keysight drives Keysight arbitrary waveform generators, such as
// the 33500 and 33600 series, over SCPI
package keysight

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spinqubit/pulselib/awg"
	"github.com/spinqubit/pulselib/comm"
	"github.com/spinqubit/pulselib/scpi"
	"github.com/spinqubit/pulselib/util"
)

// ErrRangeNotSet is generated when a waveform is uploaded to a channel whose
// output window has not been configured
var ErrRangeNotSet = errors.New("output window of channel not set")

// AWG is a remote interface to a Keysight AWG.  Waveforms are stored in
// volatile memory as seg<number> and normalized to the channel's output
// window.
type AWG struct {
	*scpi.SCPI

	// Channels is the number of output channels
	Channels int

	mu     sync.Mutex
	ranges map[int]awg.Setting
}

// NewAWG creates a new AWG talking over s
func NewAWG(s *scpi.SCPI, channels int) *AWG {
	return &AWG{SCPI: s, Channels: channels, ranges: make(map[int]awg.Setting)}
}

// Dial creates an AWG at addr with handshaking, pacing commands to
// perSecond
func Dial(addr string, cfg comm.DialConfig, channels int, perSecond float64) *AWG {
	pool := comm.NewPool(1, 30*time.Second, func() (io.ReadWriteCloser, error) {
		return comm.Dial(addr, cfg)
	})
	return NewAWG(scpi.New(pool, true, perSecond), channels)
}

// FlushWaveform clears the volatile waveform memory of every channel
func (a *AWG) FlushWaveform() error {
	cmds := make([]string, a.Channels)
	for i := range cmds {
		cmds[i] = fmt.Sprintf("SOURce%d:DATA:VOLatile:CLEar", i+1)
	}
	return a.Write(cmds...)
}

// SetVoltageRange sets the amplitude and offset of channel
func (a *AWG) SetVoltageRange(vpp, voff float64, channel int) error {
	err := a.Write(
		fmt.Sprintf("SOURce%d:VOLTage %G", channel, vpp),
		fmt.Sprintf("SOURce%d:VOLTage:OFFSet %G", channel, voff))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ranges[channel] = awg.Setting{Vpp: vpp, Voff: voff}
	a.mu.Unlock()
	return nil
}

// Normalize maps volts to the device's [-1, 1] scale for a channel set to s.
// A channel with no amplitude can only play its offset, so every sample maps
// to zero.
func Normalize(samples []float64, s awg.Setting) []float64 {
	out := make([]float64, len(samples))
	half := s.Vpp / 2
	if half <= 0 {
		return out
	}
	for i, v := range samples {
		out[i] = util.Clamp((v-s.Voff)/half, -1, 1)
	}
	return out
}

// Upload writes samples, in volts, to volatile memory as seg<number>
func (a *AWG) Upload(samples []float64, number, channel int) error {
	a.mu.Lock()
	s, ok := a.ranges[channel]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrRangeNotSet, channel)
	}
	data := util.FloatSliceToCSV(Normalize(samples, s), 32)
	return a.Write(fmt.Sprintf("SOURce%d:DATA:ARBitrary seg%d,%s", channel, number, data))
}

// sequence builds the definite length block describing a sequence
func sequence(name string, numbers, reps []int) string {
	var b strings.Builder
	b.WriteString(strconv.Quote(name))
	for i, n := range numbers {
		fmt.Fprintf(&b, ",\"seg%d\",%d,repeat,maintain,5", n, reps[i])
	}
	body := b.String()
	length := strconv.Itoa(len(body))
	return "#" + strconv.Itoa(len(length)) + length + body
}

// Play loads a sequence of uploaded waveforms on channel and turns the
// output on
func (a *AWG) Play(channel int, numbers []int, reps []int) error {
	if len(numbers) != len(reps) {
		return fmt.Errorf("%d waveforms with %d repetition counts", len(numbers), len(reps))
	}
	name := fmt.Sprintf("seq%d", channel)
	return a.Write(
		fmt.Sprintf("SOURce%d:DATA:SEQuence %s", channel, sequence(name, numbers, reps)),
		fmt.Sprintf("SOURce%d:FUNCtion:ARBitrary %s", channel, name),
		fmt.Sprintf("SOURce%d:FUNCtion ARB", channel),
		fmt.Sprintf("OUTPut%d ON", channel))
}
