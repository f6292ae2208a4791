package keysight

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinqubit/pulselib/awg"
	"github.com/spinqubit/pulselib/comm"
	"github.com/spinqubit/pulselib/scpi"
)

// generator records commands and reports no errors
type generator struct {
	mu   sync.Mutex
	cmds []string
}

func (g *generator) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var answers []string
		g.mu.Lock()
		for _, cmd := range strings.Split(sc.Text(), ";") {
			switch {
			case cmd == "*CLS":
			case strings.HasSuffix(cmd, "SYSTem:ERRor?"):
				answers = append(answers, `+0,"No error"`)
			default:
				g.cmds = append(g.cmds, cmd)
			}
		}
		g.mu.Unlock()
		if len(answers) > 0 {
			io.WriteString(conn, strings.Join(answers, ";")+"\n")
		}
	}
}

func (g *generator) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cmds...)
}

func newTestAWG(t *testing.T) (*AWG, *generator) {
	t.Helper()
	g := &generator{}
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		go g.serve(b)
		return a, nil
	})
	t.Cleanup(func() { pool.Close() })
	return NewAWG(scpi.New(pool, true, 1000), 2), g
}

var (
	_ awg.Driver = (*AWG)(nil)
	_ awg.Player = (*AWG)(nil)
)

func TestFlushClearsEveryChannel(t *testing.T) {
	a, g := newTestAWG(t)
	require.NoError(t, a.FlushWaveform())
	assert.Equal(t, []string{"SOURce1:DATA:VOLatile:CLEar", "SOURce2:DATA:VOLatile:CLEar"}, g.commands())
}

func TestUploadNeedsRange(t *testing.T) {
	a, g := newTestAWG(t)
	err := a.Upload([]float64{0, 1}, 0, 1)
	assert.True(t, errors.Is(err, ErrRangeNotSet), "got %v", err)
	assert.Empty(t, g.commands())
}

func TestUploadNormalizesToWindow(t *testing.T) {
	a, g := newTestAWG(t)
	require.NoError(t, a.SetVoltageRange(2, 0.5, 1))
	require.NoError(t, a.Upload([]float64{-0.5, 0.5, 1.5, 3}, 7, 1))
	assert.Equal(t, []string{
		"SOURce1:VOLTage 2",
		"SOURce1:VOLTage:OFFSet 0.5",
		"SOURce1:DATA:ARBitrary seg7,-1,0,1,1",
	}, g.commands())
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float64{-1, 0, 0.25, 2}, awg.Setting{Vpp: 2, Voff: 0})
	assert.Equal(t, []float64{-1, 0, 0.25, 1}, got)
}

func TestNormalizeFlatChannel(t *testing.T) {
	got := Normalize([]float64{0.3, 0.3, 0.3}, awg.Setting{Vpp: 0, Voff: 0.3})
	assert.Equal(t, []float64{0, 0, 0}, got)
}

func TestSequenceBlock(t *testing.T) {
	body := `"seq1","seg0",1,repeat,maintain,5,"seg3",4,repeat,maintain,5`
	assert.Equal(t, "#2"+"60"+body, sequence("seq1", []int{0, 3}, []int{1, 4}))
	assert.Len(t, body, 60)
}

func TestPlay(t *testing.T) {
	a, g := newTestAWG(t)
	require.NoError(t, a.Play(2, []int{1}, []int{10}))
	cmds := g.commands()
	require.Len(t, cmds, 4)
	assert.True(t, strings.HasPrefix(cmds[0], "SOURce2:DATA:SEQuence #"), cmds[0])
	assert.Equal(t, "SOURce2:FUNCtion:ARBitrary seq2", cmds[1])
	assert.Equal(t, "OUTPut2 ON", cmds[3])

	assert.Error(t, a.Play(1, []int{1, 2}, []int{1}))
}
