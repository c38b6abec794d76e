// Package flash emulates nor flash media: byte-addressed reads and
// writes, but erases only in whole native blocks. Writes can only clear
// bits, so a byte must be erased back to 0xff before it can take an
// arbitrary new value.
package flash

import (
	"errors"
	"fmt"
	"io"

	"github.com/dnr/flint/common/shift"
)

const (
	NativeBlockShift = shift.NativeBlock
	NativeBlockSize  = 1 << NativeBlockShift

	// erased cells read back as all ones
	ErasedByte = 0xff
)

var (
	ErrInvalidArg = errors.New("invalid flash argument")
	ErrIo         = errors.New("flash io error")
	ErrReadOnly   = errors.New("flash region is read only")
)

type (
	// Device is the medium contract. ReadAt and WriteAt take arbitrary
	// byte ranges, EraseRange only whole native blocks. WriteAt combines
	// the buffer into the medium with and, it does not overwrite.
	Device interface {
		io.ReaderAt
		io.WriterAt
		EraseRange(off, size int64) error
		Size() int64
		Sync() error
		Close() error
	}

	// Counted is implemented by devices that keep op counters.
	Counted interface {
		Stats() Stats
	}
)

func checkRange(size, off, n int64) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("%w: %d bytes at %d outside device of size %d", ErrInvalidArg, n, off, size)
	}
	return nil
}

func checkErase(size, off, n int64) error {
	if err := checkRange(size, off, n); err != nil {
		return err
	} else if !NativeBlockShift.Aligned(off) || !NativeBlockShift.Aligned(n) {
		return fmt.Errorf("%w: erase of %d at %d not aligned to %d", ErrInvalidArg, n, off, NativeBlockSize)
	}
	return nil
}

// Erased reports whether b holds only erased bytes.
func Erased(b []byte) bool {
	for _, c := range b {
		if c != ErasedByte {
			return false
		}
	}
	return true
}

// Fill sets b to the erased pattern.
func Fill(b []byte) {
	for i := range b {
		b[i] = ErasedByte
	}
}
