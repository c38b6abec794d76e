package flash

import "fmt"

// Region is a window onto part of a device, offset and bounds checked.
// It implements Device itself so everything above the partition table
// can work in partition-relative offsets.
type Region struct {
	dev  Device
	off  int64
	size int64
	ro   bool
}

var _ Device = (*Region)(nil)

func NewRegion(dev Device, off, size int64) (*Region, error) {
	if err := checkRange(dev.Size(), off, size); err != nil {
		return nil, err
	} else if !NativeBlockShift.Aligned(off) || !NativeBlockShift.Aligned(size) {
		return nil, fmt.Errorf("%w: region %d+%d not aligned to %d", ErrInvalidArg, off, size, NativeBlockSize)
	}
	return &Region{dev: dev, off: off, size: size}, nil
}

func (r *Region) AsReadOnly() *Region {
	r2 := *r
	r2.ro = true
	return &r2
}

func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(r.size, off, int64(len(p))); err != nil {
		return 0, err
	}
	return r.dev.ReadAt(p, r.off+off)
}

func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if r.ro {
		return 0, ErrReadOnly
	}
	if err := checkRange(r.size, off, int64(len(p))); err != nil {
		return 0, err
	}
	return r.dev.WriteAt(p, r.off+off)
}

func (r *Region) EraseRange(off, size int64) error {
	if r.ro {
		return ErrReadOnly
	}
	if err := checkErase(r.size, off, size); err != nil {
		return err
	}
	return r.dev.EraseRange(r.off+off, size)
}

func (r *Region) Size() int64   { return r.size }
func (r *Region) Offset() int64 { return r.off }
func (r *Region) Sync() error   { return r.dev.Sync() }

// Close is a no-op, the underlying device stays open.
func (r *Region) Close() error { return nil }
