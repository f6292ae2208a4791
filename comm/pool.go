package comm

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the address and settings needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds up to maxSize connections to a device.  Connections are made on
// demand and closed once all have been returned and timeout has elapsed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	onLease int
	timeout time.Duration
	slots   chan struct{}
	idle    chan io.ReadWriteCloser
	timer   *time.Timer
	maker   CreationFunc
}

// NewPool creates a new pool
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		timeout: timeout,
		slots:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get leases a connection, blocking until one is available if all are in
// use.  The connection must be handed back with Put, Destroy or
// ReturnWithError.  If Get returns an error, there is nothing to hand back.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.slots <- struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	select {
	case c := <-p.idle:
		p.onLease++
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put returns a connection to the pool for reuse
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.idle <- rw.(io.ReadWriteCloser)
	<-p.slots
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy closes a connection that has gone bad instead of returning it
func (p *Pool) Destroy(rw io.ReadWriter) {
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	rw.(io.ReadWriteCloser).Close()
	<-p.slots
}

// ReturnWithError hands a connection back after a call that produced err.
// Transport failures destroy the connection, anything else returns it.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if IsTransportError(err) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// IsTransportError is true for errors that leave a connection unusable
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &ne)
}

// Size is the number of connections idle in the pool or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active is the number of connections given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes every idle connection
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return p.drain()
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 {
		return
	}
	p.drain()
}

// drain closes every idle connection; p.mu must be held
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
