// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/spinqubit/pulselib/comm"
)

const timeout = 5 * time.Second

// Error is an entry from a device's error queue, e.g. -222,"Data out of range"
type Error struct {
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%d,%q", e.Code, e.Message)
}

// ParseError parses an entry of the error queue.  A zero code is no error.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg, _ := strings.Cut(s, ",")
	n, err := strconv.Atoi(strings.TrimPrefix(code, "+"))
	if err != nil {
		return fmt.Errorf("unparseable error response %q", s)
	}
	if n == 0 {
		return nil
	}
	return Error{Code: n, Message: strings.Trim(msg, "\"")}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Limiter paces commands; nil sends them as fast as the link allows
	Limiter *rate.Limiter
}

// New returns a SCPI link over pool sending at most perSecond commands per
// second, or unpaced if perSecond is not positive
func New(pool *comm.Pool, handshaking bool, perSecond float64) *SCPI {
	s := &SCPI{Pool: pool, Handshaking: handshaking}
	if perSecond > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return s
}

func (s *SCPI) exchange(read bool, cmds []string) (resp string, err error) {
	if s.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(comm.NewTimeout(conn, timeout), '\n', '\n')
	if s.Handshaking {
		cmds = append([]string{"*CLS"}, cmds...)
		cmds = append(cmds, ":SYSTem:ERRor?")
	}
	if _, err = io.WriteString(wrap, strings.Join(cmds, ";")); err != nil {
		return "", err
	}
	if !read && !s.Handshaking {
		return "", nil
	}
	line, err := wrap.ReadLine()
	if err != nil {
		return "", err
	}
	resp = strings.TrimRight(string(line), "\r")
	if !s.Handshaking {
		return resp, nil
	}
	// the error query is answered last, after any query in cmds
	idx := strings.LastIndex(resp, ";")
	errS := resp
	if read {
		if idx < 0 {
			return "", fmt.Errorf("response %q lacks the error query answer", resp)
		}
		errS = resp[idx+1:]
		resp = resp[:idx]
	}
	if devErr := ParseError(errS); devErr != nil {
		return "", devErr
	}
	return resp, nil
}

// Write sends commands to the device.  With handshaking, the device's error
// queue is checked afterwards.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(false, cmds)
	return err
}

// WriteRead sends commands ending in a query and returns the response
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	resp, err := s.exchange(true, cmds)
	return []byte(resp), err
}

// ReadString sends a query and returns the response as a string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.exchange(true, cmds)
}

// ReadFloat sends a query and parses the response as a float
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a query and parses the response as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a query and parses the response as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(resp), "+"))
}

// Raw sends a command without handshaking and returns a response if it was
// a query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	raw := *s
	raw.Handshaking = false
	if strings.Contains(str, "?") {
		return raw.ReadString(str)
	}
	return "", raw.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors drains the error queue of the device
func (s *SCPI) AllErrors() error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var se Error
		if !errors.As(err, &se) {
			break
		}
	}
	return errors.Join(errs...)
}
