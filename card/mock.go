package card

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Checksum returns the CRC-16/XMODEM of a sample buffer, little endian
func Checksum(buf []int16) uint16 {
	c := crcTable.InitCrc()
	var b [2]byte
	for _, v := range buf {
		b[0] = byte(uint16(v))
		b[1] = byte(uint16(v) >> 8)
		c = crcTable.UpdateCrc(c, b[:])
	}
	return crcTable.CRC16(c)
}

// Mock is an in-memory Card used for dry runs and tests.  It keeps a copy of
// every uploaded segment and the programmed sequencer table.
type Mock struct {
	sync.Mutex
	settings  Settings
	segments  map[int][]int16
	checksums map[int]uint16
	steps     map[int]HardwareStep
	current   int
	uploads   int
	triggers  int
}

// NewMock returns a mock card with the given settings
func NewMock(s Settings) *Mock {
	return &Mock{
		settings:  s,
		segments:  make(map[int][]int16),
		checksums: make(map[int]uint16),
		steps:     make(map[int]HardwareStep),
	}
}

func (m *Mock) checkSegment(index int) error {
	if index < 0 || index >= m.settings.NumberOfSegments {
		return fmt.Errorf("mock card: segment %d outside [0,%d)", index, m.settings.NumberOfSegments)
	}
	return nil
}

// UploadSegment stores a copy of buf at index
func (m *Mock) UploadSegment(index int, buf []int16) error {
	m.Lock()
	defer m.Unlock()
	if err := m.checkSegment(index); err != nil {
		return err
	}
	if len(buf) == 0 {
		return errors.New("mock card: empty segment")
	}
	cp := make([]int16, len(buf))
	copy(cp, buf)
	m.segments[index] = cp
	m.checksums[index] = Checksum(cp)
	m.uploads++
	return nil
}

// ProgramStep stores the step
func (m *Mock) ProgramStep(index int, step HardwareStep) error {
	m.Lock()
	defer m.Unlock()
	if index < 0 || index >= MaxSteps {
		return fmt.Errorf("mock card: step %d outside [0,%d)", index, MaxSteps)
	}
	if err := m.checkSegment(step.Segment); err != nil {
		return err
	}
	if !step.After.Valid() {
		return fmt.Errorf("mock card: unknown continuation %q", step.After)
	}
	m.steps[index] = step
	return nil
}

// Trigger advances the current step to the programmed next step
func (m *Mock) Trigger() error {
	m.Lock()
	defer m.Unlock()
	m.triggers++
	if st, ok := m.steps[m.current]; ok {
		m.current = st.Next
	}
	return nil
}

// CurrentStep returns the step the mock believes is playing
func (m *Mock) CurrentStep() (int, error) {
	m.Lock()
	defer m.Unlock()
	return m.current, nil
}

// Segment returns a copy of the data at index and whether it was uploaded
func (m *Mock) Segment(index int) ([]int16, bool) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.segments[index]
	if !ok {
		return nil, false
	}
	cp := make([]int16, len(s))
	copy(cp, s)
	return cp, true
}

// SegmentChecksum returns the CRC of the data at index
func (m *Mock) SegmentChecksum(index int) (uint16, bool) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.checksums[index]
	return c, ok
}

// Step returns the programmed step at index
func (m *Mock) Step(index int) (HardwareStep, bool) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.steps[index]
	return s, ok
}

// Uploads returns the number of successful segment uploads
func (m *Mock) Uploads() int {
	m.Lock()
	defer m.Unlock()
	return m.uploads
}
