package flash

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// File is a flash device backed by an image file on disk, mapped into
// memory. The file is locked exclusively so two processes can't scribble
// on the same image.
type File struct {
	lock  sync.RWMutex
	f     *os.File
	mm    mmap.MMap
	track cleanTrack
	stats devStats
}

var _ Device = (*File)(nil)

// CreateFile makes a new image of the given size, fully erased. Fails if
// the file already exists.
func CreateFile(path string, size int64) (*File, error) {
	if size <= 0 || !NativeBlockShift.Aligned(size) {
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", ErrInvalidArg, size, NativeBlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	fl, err := mapFile(f)
	if err != nil {
		return nil, err
	}
	Fill(fl.mm)
	fl.track.initBlocks(size>>NativeBlockShift, true)
	return fl, nil
}

func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fl, err := mapFile(f)
	if err != nil {
		return nil, err
	}
	if !NativeBlockShift.Aligned(fl.Size()) {
		fl.Close()
		return nil, fmt.Errorf("%w: image size %d not a multiple of %d", ErrInvalidArg, fl.Size(), NativeBlockSize)
	}
	fl.track.initFromData(fl.mm)
	return fl, nil
}

func mapFile(f *os.File) (*File, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("image %s is locked by another process: %w", f.Name(), err)
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrIo, err)
	}
	return &File{f: f, mm: mm}, nil
}

func (fl *File) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(fl.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	fl.lock.RLock()
	defer fl.lock.RUnlock()
	fl.stats.countRead(len(p))
	return copy(p, fl.mm[off:]), nil
}

func (fl *File) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(fl.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	fl.lock.Lock()
	defer fl.lock.Unlock()
	for i, b := range p {
		fl.mm[off+int64(i)] &= b
	}
	fl.track.noteWrite(off, int64(len(p)))
	fl.stats.countWrite(len(p))
	return len(p), nil
}

func (fl *File) EraseRange(off, size int64) error {
	if err := checkErase(fl.Size(), off, size); err != nil {
		return err
	}
	fl.lock.Lock()
	defer fl.lock.Unlock()
	Fill(fl.mm[off : off+size])
	fl.track.noteErase(off, size)
	fl.stats.countErase(size)
	return nil
}

func (fl *File) Size() int64 { return int64(len(fl.mm)) }

func (fl *File) Path() string { return fl.f.Name() }

func (fl *File) Sync() error {
	fl.lock.RLock()
	defer fl.lock.RUnlock()
	if err := fl.mm.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrIo, err)
	}
	return nil
}

func (fl *File) Close() error {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	flushErr := fl.mm.Flush()
	unmapErr := fl.mm.Unmap()
	unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
	closeErr := fl.f.Close()
	return errors.Join(flushErr, unmapErr, closeErr)
}

func (fl *File) Stats() Stats            { return fl.stats.export() }
func (fl *File) CleanBlocks() int64      { return fl.track.CleanBlocks() }
func (fl *File) BlockClean(i int64) bool { return fl.track.BlockClean(i) }
