// Package blockdev exposes a flash region as the numbered fixed-size
// blocks that filesystems expect, hiding the erase-before-write behavior
// of the medium. The logical block size is chosen by the caller: the
// native 4k size makes writes efficient, smaller sizes (for filesystems
// like littlefs) go through a scratch buffer that preserves the rest of
// each native block.
package blockdev

import (
	"errors"
	"fmt"

	"github.com/dnr/flint/flash"
)

var ErrUnsupported = errors.New("operation not supported for this block size")

type Device struct {
	dev       flash.Device
	blockSize int64
	// scratch is allocated once, only for block sizes below native.
	// Writes share it, so writes on one Device must be serialized by the
	// caller. Reads are always safe.
	scratch []byte
}

func New(dev flash.Device, blockSize int) (*Device, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", flash.ErrInvalidArg, blockSize)
	}
	d := &Device{dev: dev, blockSize: int64(blockSize)}
	if d.blockSize < flash.NativeBlockSize {
		d.scratch = make([]byte, flash.NativeBlockSize)
	}
	return d, nil
}

func (d *Device) BlockSize() int { return int(d.blockSize) }

// BlockCount is how many whole logical blocks fit in the region. A
// remainder smaller than a block is not addressable.
func (d *Device) BlockCount() int64 { return d.dev.Size() / d.blockSize }

func (d *Device) ReadBlocks(index int64, buf []byte) error {
	return d.ReadBlocksAt(index, buf, 0)
}

func (d *Device) ReadBlocksAt(index int64, buf []byte, off int64) error {
	if index < 0 || off < 0 {
		return fmt.Errorf("%w: read at block %d offset %d", flash.ErrInvalidArg, index, off)
	}
	_, err := d.dev.ReadAt(buf, index*d.blockSize+off)
	return err
}

// WriteBlocks writes one or more whole logical blocks starting at index,
// erasing as needed. buf must be a positive multiple of the block size.
func (d *Device) WriteBlocks(index int64, buf []byte) error {
	size := int64(len(buf))
	if index < 0 || size == 0 || size%d.blockSize != 0 {
		return fmt.Errorf("%w: write of %d bytes at block %d (block size %d)",
			flash.ErrInvalidArg, size, index, d.blockSize)
	}
	offset := index * d.blockSize
	top := offset + size
	if top > d.dev.Size() {
		return fmt.Errorf("%w: write of %d bytes at block %d past end of region",
			flash.ErrInvalidArg, size, index)
	}
	if d.scratch == nil {
		// Logical blocks are at least the native erase size, so the span
		// is aligned and can be erased directly.
		if err := d.dev.EraseRange(offset, size); err != nil {
			return err
		}
	} else {
		// Logical blocks are smaller than the native erase size. Erase
		// native block by native block, saving the bytes around the span
		// in the scratch buffer and writing them back after.
		o := flash.NativeBlockShift.Leftover(offset)
		addr := offset - o
		for addr < top {
			if o > 0 || top < addr+flash.NativeBlockSize {
				// partially covered, save the whole native block
				if _, err := d.dev.ReadAt(d.scratch, addr); err != nil {
					return err
				}
			}
			if err := d.dev.EraseRange(addr, flash.NativeBlockSize); err != nil {
				return err
			}
			if o > 0 {
				if _, err := d.dev.WriteAt(d.scratch[:o], addr); err != nil {
					return err
				}
			}
			if top < addr+flash.NativeBlockSize {
				if _, err := d.dev.WriteAt(d.scratch[top-addr:], top); err != nil {
					return err
				}
			}
			o = 0
			addr += flash.NativeBlockSize
		}
	}
	// one write for the whole span, everything under it is erased now
	_, err := d.dev.WriteAt(buf, offset)
	return err
}

// WriteBlocksAt writes without erasing. The caller must have erased the
// destination already (say, one partition-sized erase before streaming a
// firmware image in). Writing unerased bytes is not detected, it just
// leaves the and of old and new on the medium.
func (d *Device) WriteBlocksAt(index int64, buf []byte, off int64) error {
	if index < 0 || off < 0 {
		return fmt.Errorf("%w: write at block %d offset %d", flash.ErrInvalidArg, index, off)
	}
	_, err := d.dev.WriteAt(buf, index*d.blockSize+off)
	return err
}

// EraseBlock erases a single logical block. Only expressible when the
// logical and native block sizes coincide.
func (d *Device) EraseBlock(index int64) error {
	if d.blockSize != flash.NativeBlockSize {
		return fmt.Errorf("%w: erase needs block size %d, have %d",
			ErrUnsupported, flash.NativeBlockSize, d.blockSize)
	}
	if index < 0 {
		return fmt.Errorf("%w: erase at block %d", flash.ErrInvalidArg, index)
	}
	return d.dev.EraseRange(index*flash.NativeBlockSize, flash.NativeBlockSize)
}

// Init, Deinit, and Sync exist for block device protocol completeness.
// Writes here are durable when the underlying device says so, there is
// nothing to flush at this layer.
func (d *Device) Init() error   { return nil }
func (d *Device) Deinit() error { return nil }
func (d *Device) Sync() error   { return nil }
