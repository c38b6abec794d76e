package flash

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// cleanTrack remembers which native blocks are freshly erased with no
// writes since. It only feeds introspection (debug output, image
// inspection); the and-combining write path is what makes the medium
// behave right.
type cleanTrack struct {
	lock  sync.Mutex
	clean *bitset.BitSet
}

func (c *cleanTrack) initBlocks(nblocks int64, allClean bool) {
	c.clean = bitset.New(uint(nblocks))
	if allClean {
		c.clean.FlipRange(0, uint(nblocks))
	}
}

func (c *cleanTrack) initFromData(data []byte) {
	nblocks := int64(len(data)) >> NativeBlockShift
	c.clean = bitset.New(uint(nblocks))
	for i := int64(0); i < nblocks; i++ {
		if Erased(data[i<<NativeBlockShift : (i+1)<<NativeBlockShift]) {
			c.clean.Set(uint(i))
		}
	}
}

func (c *cleanTrack) noteWrite(off, n int64) {
	if n == 0 {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for b := off >> NativeBlockShift; b <= (off+n-1)>>NativeBlockShift; b++ {
		c.clean.Clear(uint(b))
	}
}

func (c *cleanTrack) noteErase(off, n int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for b := off >> NativeBlockShift; b < (off+n)>>NativeBlockShift; b++ {
		c.clean.Set(uint(b))
	}
}

// CleanBlocks returns how many native blocks are erased and unwritten.
func (c *cleanTrack) CleanBlocks() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return int64(c.clean.Count())
}

func (c *cleanTrack) BlockClean(i int64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.clean.Test(uint(i))
}
