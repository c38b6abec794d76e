package flash

import (
	"fmt"
	"sync"
)

// Mem is an in-memory flash device. A new one reads all ones, like a
// chip fresh off the line.
type Mem struct {
	lock       sync.RWMutex
	data       []byte
	track      cleanTrack
	stats      devStats
	eraseCount []int32
	eraseLimit int32
}

var _ Device = (*Mem)(nil)

func NewMem(size int64) (*Mem, error) {
	if size <= 0 || !NativeBlockShift.Aligned(size) {
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", ErrInvalidArg, size, NativeBlockSize)
	}
	m := &Mem{data: make([]byte, size)}
	Fill(m.data)
	m.track.initBlocks(size>>NativeBlockShift, true)
	return m, nil
}

// SetEraseLimit makes further erases fail once any single block has
// been erased that many times, to exercise wear-out handling. Zero
// means no limit.
func (m *Mem) SetEraseLimit(limit int32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.eraseLimit = limit
	if m.eraseCount == nil {
		m.eraseCount = make([]int32, len(m.data)>>NativeBlockShift)
	}
}

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(m.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	m.stats.countRead(len(p))
	return copy(p, m.data[off:]), nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(m.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, b := range p {
		m.data[off+int64(i)] &= b
	}
	m.track.noteWrite(off, int64(len(p)))
	m.stats.countWrite(len(p))
	return len(p), nil
}

func (m *Mem) EraseRange(off, size int64) error {
	if err := checkErase(m.Size(), off, size); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.eraseCount != nil {
		for i := off >> NativeBlockShift; i < (off+size)>>NativeBlockShift; i++ {
			if m.eraseCount[i]++; m.eraseLimit > 0 && m.eraseCount[i] > m.eraseLimit {
				return fmt.Errorf("%w: block %d is worn out", ErrIo, i)
			}
		}
	}
	Fill(m.data[off : off+size])
	m.track.noteErase(off, size)
	m.stats.countErase(size)
	return nil
}

func (m *Mem) Size() int64  { return int64(len(m.data)) }
func (m *Mem) Sync() error  { return nil }
func (m *Mem) Close() error { return nil }

func (m *Mem) Stats() Stats            { return m.stats.export() }
func (m *Mem) CleanBlocks() int64      { return m.track.CleanBlocks() }
func (m *Mem) BlockClean(i int64) bool { return m.track.BlockClean(i) }
