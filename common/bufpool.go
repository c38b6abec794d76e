package common

import (
	"sync"

	"github.com/dnr/flint/common/shift"
)

// BufPool hands out byte buffers in a few size classes, from one native
// flash block up to the largest transfer chunk.
type BufPool struct {
	p12, p14, p16, p18, p20 sync.Pool
}

func NewBufPool() *BufPool {
	if shift.MaxChunkShift != 20 {
		panic("add more fields")
	}
	return &BufPool{
		p12: sync.Pool{New: func() any { return make([]byte, 1<<12) }},
		p14: sync.Pool{New: func() any { return make([]byte, 1<<14) }},
		p16: sync.Pool{New: func() any { return make([]byte, 1<<16) }},
		p18: sync.Pool{New: func() any { return make([]byte, 1<<18) }},
		p20: sync.Pool{New: func() any { return make([]byte, 1<<20) }},
	}
}

// Get returns a buffer with at least size capacity. The caller gets the
// full size-class slice, not a size-length one.
func (bp *BufPool) Get(size int) []byte {
	switch {
	case size <= 1<<12:
		return bp.p12.Get().([]byte)
	case size <= 1<<14:
		return bp.p14.Get().([]byte)
	case size <= 1<<16:
		return bp.p16.Get().([]byte)
	case size <= 1<<18:
		return bp.p18.Get().([]byte)
	case size <= 1<<20:
		return bp.p20.Get().([]byte)
	default:
		return make([]byte, size)
	}
}

func (bp *BufPool) Put(b []byte) {
	size := cap(b)
	switch {
	case size <= 1<<12:
		bp.p12.Put(b)
	case size <= 1<<14:
		bp.p14.Put(b)
	case size <= 1<<16:
		bp.p16.Put(b)
	case size <= 1<<18:
		bp.p18.Put(b)
	case size <= 1<<20:
		bp.p20.Put(b)
	}
}
