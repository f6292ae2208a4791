package awg

import (
	"errors"
	"sync"
)

// ErrMockFailure is returned by a Mock told to fail
var ErrMockFailure = errors.New("mock AWG failure")

// MockWaveform is a waveform held by a Mock
type MockWaveform struct {
	Channel  int
	Samples  []float64
	Checksum uint32
}

// Mock is an in-memory AWG
type Mock struct {
	sync.Mutex

	// Fail makes every call return ErrMockFailure
	Fail bool

	waveforms map[int]MockWaveform
	ranges    map[int]Setting
	playing   map[int][]int

	Flushes, Uploads int
}

// NewMock returns an empty Mock
func NewMock() *Mock {
	return &Mock{
		waveforms: make(map[int]MockWaveform),
		ranges:    make(map[int]Setting),
		playing:   make(map[int][]int),
	}
}

// FlushWaveform discards every stored waveform
func (m *Mock) FlushWaveform() error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return ErrMockFailure
	}
	m.waveforms = make(map[int]MockWaveform)
	m.Flushes++
	return nil
}

// Upload stores samples under number
func (m *Mock) Upload(samples []float64, number, channel int) error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return ErrMockFailure
	}
	cp := append([]float64(nil), samples...)
	m.waveforms[number] = MockWaveform{Channel: channel, Samples: cp, Checksum: Checksum(cp)}
	m.Uploads++
	return nil
}

// SetVoltageRange records the output window of channel
func (m *Mock) SetVoltageRange(vpp, voff float64, channel int) error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return ErrMockFailure
	}
	m.ranges[channel] = Setting{Vpp: vpp, Voff: voff}
	return nil
}

// Play records the waveform numbers queued on channel, one per repetition
func (m *Mock) Play(channel int, numbers []int, reps []int) error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return ErrMockFailure
	}
	var queue []int
	for i, n := range numbers {
		if _, ok := m.waveforms[n]; !ok {
			return ErrNotUploaded
		}
		for j := 0; j < reps[i]; j++ {
			queue = append(queue, n)
		}
	}
	m.playing[channel] = queue
	return nil
}

// Waveform returns the waveform stored under number
func (m *Mock) Waveform(number int) (MockWaveform, bool) {
	m.Lock()
	defer m.Unlock()
	w, ok := m.waveforms[number]
	return w, ok
}

// Len is the number of stored waveforms
func (m *Mock) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.waveforms)
}

// Range returns the output window of channel
func (m *Mock) Range(channel int) (Setting, bool) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.ranges[channel]
	return s, ok
}

// Playing returns the queue last played on channel
func (m *Mock) Playing(channel int) []int {
	m.Lock()
	defer m.Unlock()
	return append([]int(nil), m.playing[channel]...)
}
