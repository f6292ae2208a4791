/*
Package comm provides connections to lab hardware over TCP, RS-232 and
USBTMC, along with a pool that shares them between callers.

Most usages of this package boil down to:
 1. make a Pool whose CreationFunc calls Dial with the device's address
 2. Get a connection, wrap it with NewTimeout and NewTerminator
 3. hand it back with ReturnWithError once the exchange is done

Addresses take one of three forms:

	host:port          TCP
	/dev/ttyUSB0, COM3 RS-232 at the configured baud rate
	usb:0957:2807      USBTMC by vendor and product ID, in hex
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/spinqubit/pulselib/usbtmc"
)

var (
	// ErrBadAddress is generated when an address cannot be parsed
	ErrBadAddress = errors.New("malformed device address")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// DialConfig holds the settings used to open a connection
type DialConfig struct {
	// Timeout bounds a single connection attempt
	Timeout time.Duration

	// Baud is the rate used for serial ports
	Baud int

	// MaxElapsed bounds the total time spent retrying
	MaxElapsed time.Duration
}

// DefaultDialConfig is used for zero fields of a DialConfig
var DefaultDialConfig = DialConfig{
	Timeout:    3 * time.Second,
	Baud:       9600,
	MaxElapsed: 3 * time.Second,
}

func (c DialConfig) withDefaults() DialConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultDialConfig.Timeout
	}
	if c.Baud == 0 {
		c.Baud = DefaultDialConfig.Baud
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = DefaultDialConfig.MaxElapsed
	}
	return c
}

// Dial opens addr, retrying with exponential backoff until it succeeds or
// cfg.MaxElapsed has passed
func Dial(addr string, cfg DialConfig) (io.ReadWriteCloser, error) {
	cfg = cfg.withDefaults()
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := dialOnce(addr, cfg)
		if err != nil {
			if errors.Is(err, ErrBadAddress) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	// instruments do not like being connection thrashed
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      cfg.MaxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func dialOnce(addr string, cfg DialConfig) (io.ReadWriteCloser, error) {
	switch {
	case strings.HasPrefix(addr, "usb:"):
		vid, pid, err := ParseUSBAddress(addr)
		if err != nil {
			return nil, err
		}
		return usbtmc.Open(vid, pid)
	case IsSerialAddress(addr):
		return serial.OpenPort(&serial.Config{Name: addr, Baud: cfg.Baud, ReadTimeout: cfg.Timeout})
	default:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		return net.DialTimeout("tcp", addr, cfg.Timeout)
	}
}

// IsSerialAddress is true for addresses naming a serial port
func IsSerialAddress(addr string) bool {
	return strings.HasPrefix(addr, "/dev/") || strings.HasPrefix(strings.ToUpper(addr), "COM")
}

// ParseUSBAddress splits usb:VVVV:PPPP into vendor and product IDs
func ParseUSBAddress(addr string) (vid, pid uint16, err error) {
	pieces := strings.Split(addr, ":")
	if len(pieces) != 3 || pieces[0] != "usb" {
		return 0, 0, fmt.Errorf("%w: %q is not usb:VID:PID", ErrBadAddress, addr)
	}
	v, err := strconv.ParseUint(pieces[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: vendor ID %q", ErrBadAddress, pieces[1])
	}
	p, err := strconv.ParseUint(pieces[2], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: product ID %q", ErrBadAddress, pieces[2])
	}
	return uint16(v), uint16(p), nil
}

// Terminator appends tx to every write and reads up to rx
type Terminator struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	tx, rx byte
}

// NewTerminator wraps rw with the given transmit and receive terminators
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends p followed by the transmit terminator, unless p already ends
// with it
func (t *Terminator) Write(p []byte) (int, error) {
	if len(p) > 0 && p[len(p)-1] == t.tx {
		return t.rw.Write(p)
	}
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// ReadLine returns the next response with the receive terminator stripped
func (t *Terminator) ReadLine() ([]byte, error) {
	line, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if len(line) > 0 && errors.Is(err, io.EOF) {
			return line, ErrTerminatorNotFound
		}
		return line, err
	}
	return bytes.TrimSuffix(line, []byte{t.rx}), nil
}

// Read fills p with the next response, terminator stripped.  A response
// longer than p is an error.
func (t *Terminator) Read(p []byte) (int, error) {
	line, err := t.ReadLine()
	n := copy(p, line)
	if err == nil && n < len(line) {
		err = io.ErrShortBuffer
	}
	return n, err
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout sets a deadline before every read and write on connections that
// support them
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw so that each operation must finish within d
func NewTimeout(rw io.ReadWriter, d time.Duration) *Timeout {
	return &Timeout{rw: rw, d: d}
}

func (t *Timeout) Read(p []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(p)
}
