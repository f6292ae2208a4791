/*
Package usbtmc implements the bulk transfer framing of USB Test and
Measurement Class devices, exposed as an io.ReadWriteCloser.

Writes are split into DEV_DEP_MSG_OUT transfers of at most MaxTransfer payload
bytes, the last of which carries the end of message bit.  Each transfer is
padded to a multiple of four bytes.

A read first sends REQUEST_DEV_DEP_MSG_IN on the Out endpoint, then reads the
response from the In endpoint and strips its header.  Payload that does not
fit the caller's buffer is kept for the next Read.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"
)

const (
	reserved   = 0x00
	headerSize = 12
	alignment  = 4

	msgOut    = 0x01 // DEV_DEP_MSG_OUT
	requestIn = 0x02 // REQUEST_DEV_DEP_MSG_IN, also the MsgID of the response

	// DefaultMaxTransfer is the payload size of one bulk transfer
	DefaultMaxTransfer = 1024 * 1024
)

var (
	// ErrBadHeader is generated when a response header is malformed
	ErrBadHeader = errors.New("malformed USBTMC response header")

	// ErrNoEndpoint is generated when a device has no bulk endpoint pair
	ErrNoEndpoint = errors.New("device has no bulk in/out endpoints")
)

// bTagGen is a concurrent-safe bTag generator.  Tags run 1..255; zero is
// not a valid tag.
type bTagGen struct {
	sync.Mutex

	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag is the bitwise inversion of a btag
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates a DEV_DEP_MSG_OUT header for datalen bytes
func encBulkOutHeader(tag byte, datalen int, eom bool) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	if eom {
		out[8] = 0x01
	}
	return out
}

// encBulkInHeader creates a REQUEST_DEV_DEP_MSG_IN header asking for up to
// bufsize bytes.  A nil terminator leaves the term char disabled.
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = requestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates the header of a response to tag and returns the
// payload size and the end of message bit
func decBulkInHeader(hdr []byte, tag byte) (int, bool, error) {
	if len(hdr) < headerSize {
		return 0, false, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(hdr))
	}
	if hdr[0] != requestIn || hdr[1] != tag || hdr[2] != invbTag(tag) {
		return 0, false, fmt.Errorf("%w: % x for tag %d", ErrBadHeader, hdr[:4], tag)
	}
	return int(binary.LittleEndian.Uint32(hdr[4:8])), hdr[8]&0x01 == 1, nil
}

// Device is a USBTMC instrument
type Device struct {
	mu   sync.Mutex
	tags bTagGen

	in    io.Reader
	out   io.Writer
	close func() error

	// MaxTransfer is the largest payload sent in one bulk transfer
	MaxTransfer int

	// Terminator, if not nil, asks the device to end reads on that byte
	Terminator *byte

	pending []byte
}

func newDevice(in io.Reader, out io.Writer, closer func() error) *Device {
	nl := byte('\n')
	return &Device{in: in, out: out, close: closer, MaxTransfer: DefaultMaxTransfer, Terminator: &nl}
}

// Open claims the first bulk endpoint pair of the device with the given
// vendor and product ID
func Open(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, err
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("no USB device %04x:%04x", vid, pid)
	}
	fail := func(err error) (*Device, error) {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	if err = dev.SetAutoDetach(true); err != nil {
		return fail(err)
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		return fail(err)
	}
	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		} else if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		done()
		return fail(ErrNoEndpoint)
	}
	in, err := iface.InEndpoint(inNum)
	if err != nil {
		done()
		return fail(err)
	}
	out, err := iface.OutEndpoint(outNum)
	if err != nil {
		done()
		return fail(err)
	}
	closer := func() error {
		done()
		err := dev.Close()
		ctx.Close()
		return err
	}
	return newDevice(in, out, closer), nil
}

// Write sends b as one USBTMC message
func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	max := d.MaxTransfer
	if max <= 0 {
		max = DefaultMaxTransfer
	}
	written := 0
	for {
		chunk := b[written:]
		eom := len(chunk) <= max
		if !eom {
			chunk = chunk[:max]
		}
		hdr := encBulkOutHeader(d.tags.next(), len(chunk), eom)
		pad := (alignment - len(chunk)%alignment) % alignment
		buf := make([]byte, 0, headerSize+len(chunk)+pad)
		buf = append(buf, hdr[:]...)
		buf = append(buf, chunk...)
		buf = append(buf, make([]byte, pad)...)
		if _, err := d.out.Write(buf); err != nil {
			return written, err
		}
		written += len(chunk)
		if eom {
			return written, nil
		}
	}
}

// Read fills p with the next bytes of the device's response
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	size := len(p)
	if size < alignment {
		size = alignment
	}
	tag := d.tags.next()
	hdr := encBulkInHeader(tag, size, d.Terminator)
	if _, err := d.out.Write(hdr[:]); err != nil {
		return 0, err
	}
	buf := make([]byte, headerSize+size+alignment)
	n, err := d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	length, _, err := decBulkInHeader(buf[:n], tag)
	if err != nil {
		return 0, err
	}
	data := buf[headerSize:n]
	if length < len(data) {
		data = data[:length]
	}
	c := copy(p, data)
	d.pending = append(d.pending[:0], data[c:]...)
	return c, nil
}

// Close releases the device
func (d *Device) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
