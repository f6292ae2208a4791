package awg

import (
	"time"

	"github.com/snksoft/crc"

	"github.com/spinqubit/pulselib/segment"
	"github.com/spinqubit/pulselib/util"
)

// Unit is the memory bookkeeping of one AWG.  Memory is counted in samples.
type Unit struct {
	Name   string
	Driver Driver

	// MaxMem is the number of samples the device can hold
	MaxMem int

	used    int
	counter int
}

// Free is the number of samples still available.  It is negative if an
// upload ran past the estimate it was admitted on.
func (u *Unit) Free() int {
	return u.MaxMem - u.used
}

// NextNumber returns a new waveform number, unique until the next clear
func (u *Unit) NextNumber() int {
	n := u.counter
	u.counter++
	return n
}

func (u *Unit) clear() {
	u.used = 0
	u.counter = 0
}

// UnitStatus is a snapshot of a Unit
type UnitStatus struct {
	Name    string `json:"name"`
	MaxMem  int    `json:"maxMem"`
	Used    int    `json:"used"`
	Free    int    `json:"free"`
	Counter int    `json:"counter"`
}

func (u *Unit) status() UnitStatus {
	return UnitStatus{Name: u.Name, MaxMem: u.MaxMem, Used: u.used, Free: u.Free(), Counter: u.counter}
}

// Location is where a waveform resides in device memory
type Location struct {
	Number   int       `json:"number"`
	Uploaded time.Time `json:"uploaded"`
	Samples  int       `json:"samples"`
	Checksum uint32    `json:"checksum"`

	// Delay is the channel padding the waveform was rendered with
	Delay segment.Delay `json:"delay"`
}

// LocationTable maps channel and key to the location of uploaded waveforms.
// The key is a segment name, or a per-repetition identifier for unique
// elements.
type LocationTable map[string]map[string]Location

// Get returns the location of key on channel
func (t LocationTable) Get(channel, key string) (Location, bool) {
	loc, ok := t[channel][key]
	return loc, ok
}

// Put records the location of key on channel
func (t LocationTable) Put(channel, key string, loc Location) {
	m, ok := t[channel]
	if !ok {
		m = make(map[string]Location)
		t[channel] = m
	}
	m[key] = loc
}

// Fresh is true if key on channel was uploaded no earlier than lastMod and
// rendered with padding d
func (t LocationTable) Fresh(channel, key string, lastMod time.Time, d segment.Delay) bool {
	loc, ok := t.Get(channel, key)
	return ok && !lastMod.After(loc.Uploaded) && loc.Delay == d
}

// Checksum is the CRC-32 of samples packed as little endian float64
func Checksum(samples []float64) uint32 {
	return uint32(crc.CalculateCRC(crc.CRC32, util.Float64sToBytes(samples)))
}
