package blockdev

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dnr/flint/flash"
	"github.com/stretchr/testify/require"
)

const native = flash.NativeBlockSize

func newMem(t *testing.T, blocks int64) *flash.Mem {
	t.Helper()
	m, err := flash.NewMem(blocks * native)
	require.NoError(t, err)
	return m
}

func pattern(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// fill every logical block with a marker derived from its index so
// neighbor preservation is visible per block
func fillMarkers(t *testing.T, m *flash.Mem, blockSize int) {
	t.Helper()
	buf := make([]byte, m.Size())
	for i := range buf {
		buf[i] = byte(i/blockSize + 1)
	}
	_, err := m.WriteAt(buf, 0)
	require.NoError(t, err)
}

func readAll(t *testing.T, m *flash.Mem) []byte {
	t.Helper()
	buf := make([]byte, m.Size())
	_, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf
}

func TestWriteNativeSize(t *testing.T) {
	m := newMem(t, 3)
	d, err := New(m, native)
	require.NoError(t, err)
	require.EqualValues(t, 3, d.BlockCount())

	_, err = m.WriteAt(pattern(int(m.Size()), 0xaa), 0)
	require.NoError(t, err)

	before := m.Stats()
	require.NoError(t, d.WriteBlocks(1, pattern(native, 0x00)))
	delta := m.Stats().Sub(before)

	// aligned path: one erase, one write, no scratch read
	require.EqualValues(t, 0, delta.Reads)
	require.EqualValues(t, 1, delta.Erases)
	require.EqualValues(t, 1, delta.EraseBlocks)
	require.EqualValues(t, 1, delta.Writes)

	got := readAll(t, m)
	require.Equal(t, pattern(native, 0xaa), got[:native])
	require.Equal(t, pattern(native, 0x00), got[native:2*native])
	require.Equal(t, pattern(native, 0xaa), got[2*native:])
}

func TestWriteMultiNativeBlockSize(t *testing.T) {
	m := newMem(t, 6)
	d, err := New(m, 2*native)
	require.NoError(t, err)
	require.EqualValues(t, 3, d.BlockCount())

	before := m.Stats()
	require.NoError(t, d.WriteBlocks(1, pattern(2*native, 0x11)))
	delta := m.Stats().Sub(before)
	require.EqualValues(t, 0, delta.Reads)
	require.EqualValues(t, 1, delta.Erases)
	require.EqualValues(t, 2, delta.EraseBlocks)
	require.EqualValues(t, 1, delta.Writes)

	got := readAll(t, m)
	require.True(t, flash.Erased(got[:2*native]))
	require.Equal(t, pattern(2*native, 0x11), got[2*native:4*native])
	require.True(t, flash.Erased(got[4*native:]))
}

func TestWriteSmallPreservesNeighbors(t *testing.T) {
	m := newMem(t, 1)
	d, err := New(m, 512)
	require.NoError(t, err)
	require.EqualValues(t, 8, d.BlockCount())

	_, err = m.WriteAt(pattern(native, 0xaa), 0)
	require.NoError(t, err)

	before := m.Stats()
	require.NoError(t, d.WriteBlocks(3, pattern(512, 0x42)))
	delta := m.Stats().Sub(before)

	// one scratch read of the shared native block, one erase, then the
	// lead restore, tail restore, and payload writes
	require.EqualValues(t, 1, delta.Reads)
	require.EqualValues(t, 1, delta.Erases)
	require.EqualValues(t, 1, delta.EraseBlocks)
	require.EqualValues(t, 3, delta.Writes)

	got := readAll(t, m)
	require.Equal(t, pattern(1536, 0xaa), got[:1536])
	require.Equal(t, pattern(512, 0x42), got[1536:2048])
	require.Equal(t, pattern(2048, 0xaa), got[2048:])

	// erase granularity can't express a 512 byte block
	require.ErrorIs(t, d.EraseBlock(3), ErrUnsupported)
}

func TestWriteSmallMarkers(t *testing.T) {
	m := newMem(t, 2)
	d, err := New(m, 512)
	require.NoError(t, err)
	fillMarkers(t, m, 512)

	require.NoError(t, d.WriteBlocks(9, pattern(512, 0x42)))

	got := readAll(t, m)
	for i := 0; i < 16; i++ {
		want := pattern(512, byte(i+1))
		if i == 9 {
			want = pattern(512, 0x42)
		}
		require.Equal(t, want, got[i*512:(i+1)*512], "block %d", i)
	}
}

func TestWriteSmallSpanThreeNativeBlocks(t *testing.T) {
	m := newMem(t, 4)
	d, err := New(m, 512)
	require.NoError(t, err)
	fillMarkers(t, m, 512)

	// blocks 5..18: starts mid native block 0, covers all of native
	// block 1, ends mid native block 2
	buf := make([]byte, 14*512)
	for i := range buf {
		buf[i] = byte(100 + i/512)
	}
	before := m.Stats()
	require.NoError(t, d.WriteBlocks(5, buf))
	delta := m.Stats().Sub(before)

	// only the first and last native blocks need the scratch buffer, the
	// interior one is erased without a read
	require.EqualValues(t, 2, delta.Reads)
	require.EqualValues(t, 3, delta.Erases)
	require.EqualValues(t, 3, delta.EraseBlocks)
	require.EqualValues(t, 3, delta.Writes) // lead + tail + payload

	got := readAll(t, m)
	for i := 0; i < 32; i++ {
		want := pattern(512, byte(i+1))
		if i >= 5 && i < 19 {
			want = pattern(512, byte(100+i-5))
		}
		require.Equal(t, want, got[i*512:(i+1)*512], "block %d", i)
	}
}

func TestWriteIdempotent(t *testing.T) {
	m := newMem(t, 2)
	d, err := New(m, 512)
	require.NoError(t, err)
	fillMarkers(t, m, 512)

	buf := pattern(512, 0x37)
	require.NoError(t, d.WriteBlocks(6, buf))
	once := readAll(t, m)
	require.NoError(t, d.WriteBlocks(6, buf))
	require.Equal(t, once, readAll(t, m))
}

func TestReadAfterWrite(t *testing.T) {
	m := newMem(t, 2)
	d, err := New(m, 512)
	require.NoError(t, err)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	require.NoError(t, d.WriteBlocks(11, buf))

	got := make([]byte, 512)
	require.NoError(t, d.ReadBlocks(11, got))
	require.Equal(t, buf, got)

	// offset read form
	got = make([]byte, 16)
	require.NoError(t, d.ReadBlocksAt(11, got, 100))
	require.Equal(t, buf[100:116], got)
}

func TestWriteBoundaryBlocks(t *testing.T) {
	// blockdev on a region window: writes to the first and last logical
	// blocks stay inside the window
	m := newMem(t, 4)
	r, err := flash.NewRegion(m, native, 2*native)
	require.NoError(t, err)
	d, err := New(r, 512)
	require.NoError(t, err)
	require.EqualValues(t, 16, d.BlockCount())

	_, err = m.WriteAt(pattern(int(m.Size()), 0xaa), 0)
	require.NoError(t, err)

	require.NoError(t, d.WriteBlocks(0, pattern(512, 0x01)))
	require.NoError(t, d.WriteBlocks(15, pattern(512, 0x02)))

	got := readAll(t, m)
	require.Equal(t, pattern(native, 0xaa), got[:native], "below window")
	require.Equal(t, pattern(native, 0xaa), got[3*native:], "above window")
	require.Equal(t, pattern(512, 0x01), got[native:native+512])
	require.Equal(t, pattern(512, 0x02), got[3*native-512:3*native])

	// past the end of the region
	require.ErrorIs(t, d.WriteBlocks(16, pattern(512, 0x03)), flash.ErrInvalidArg)
}

func TestWriteAtSkipsErase(t *testing.T) {
	m := newMem(t, 2)
	d, err := New(m, 512)
	require.NoError(t, err)

	// pre-erased medium: chunks written across a native boundary with no
	// erase land exactly
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	before := m.Stats()
	require.NoError(t, d.WriteBlocksAt(7, buf[:512], 256))
	require.NoError(t, d.WriteBlocksAt(8, buf[512:], 256))
	delta := m.Stats().Sub(before)
	require.EqualValues(t, 0, delta.Reads)
	require.EqualValues(t, 0, delta.Erases)
	require.EqualValues(t, 2, delta.Writes)

	got := make([]byte, 1024)
	require.NoError(t, d.ReadBlocksAt(7, got, 256))
	require.Equal(t, buf, got)

	// over unerased bytes it's still accepted and still erase-free, the
	// content is whatever the medium's and produces
	before = m.Stats()
	require.NoError(t, d.WriteBlocksAt(7, buf[:512], 256))
	delta = m.Stats().Sub(before)
	require.EqualValues(t, 0, delta.Erases)
}

func TestEraseBlock(t *testing.T) {
	m := newMem(t, 3)
	d, err := New(m, native)
	require.NoError(t, err)

	_, err = m.WriteAt(pattern(int(m.Size()), 0xaa), 0)
	require.NoError(t, err)

	before := m.Stats()
	require.NoError(t, d.EraseBlock(1))
	delta := m.Stats().Sub(before)
	require.EqualValues(t, 1, delta.Erases)
	require.EqualValues(t, 1, delta.EraseBlocks)

	got := readAll(t, m)
	require.Equal(t, pattern(native, 0xaa), got[:native])
	require.True(t, flash.Erased(got[native:2*native]))
	require.Equal(t, pattern(native, 0xaa), got[2*native:])

	// only exactly-native block sizes can erase
	d2, err := New(m, 2*native)
	require.NoError(t, err)
	require.ErrorIs(t, d2.EraseBlock(0), ErrUnsupported)
}

func TestArgErrors(t *testing.T) {
	m := newMem(t, 2)
	d, err := New(m, 512)
	require.NoError(t, err)

	_, err = New(m, 0)
	require.ErrorIs(t, err, flash.ErrInvalidArg)
	_, err = New(m, -512)
	require.ErrorIs(t, err, flash.ErrInvalidArg)

	require.ErrorIs(t, d.WriteBlocks(-1, pattern(512, 0)), flash.ErrInvalidArg)
	require.ErrorIs(t, d.WriteBlocks(0, nil), flash.ErrInvalidArg)
	require.ErrorIs(t, d.WriteBlocks(0, pattern(100, 0)), flash.ErrInvalidArg)
	require.ErrorIs(t, d.ReadBlocks(-1, pattern(512, 0)), flash.ErrInvalidArg)
	require.ErrorIs(t, d.ReadBlocksAt(0, pattern(16, 0), -1), flash.ErrInvalidArg)
	require.ErrorIs(t, d.WriteBlocksAt(0, pattern(16, 0), -1), flash.ErrInvalidArg)
	require.ErrorIs(t, d.EraseBlock(-1), ErrUnsupported) // size check first

	// a write that would run past the end fails upfront, before anything
	// is erased
	fillMarkers(t, m, 512)
	before := m.Stats()
	require.ErrorIs(t, d.WriteBlocks(15, pattern(1024, 0x42)), flash.ErrInvalidArg)
	require.EqualValues(t, 0, m.Stats().Sub(before).Erases)
	got := readAll(t, m)
	require.Equal(t, pattern(512, 16), got[15*512:])
}

var errBoom = errors.New("boom")

// flaky fails the nth erase call to check that a write aborts mid-walk
type flaky struct {
	flash.Device
	erases int
	failOn int
}

func (f *flaky) EraseRange(off, size int64) error {
	if f.erases++; f.erases == f.failOn {
		return errBoom
	}
	return f.Device.EraseRange(off, size)
}

func TestWriteAbortsOnFailure(t *testing.T) {
	m := newMem(t, 4)
	fl := &flaky{Device: m, failOn: 2}
	d, err := New(fl, 512)
	require.NoError(t, err)
	fillMarkers(t, m, 512)

	before := m.Stats()
	err = d.WriteBlocks(5, bytes.Repeat([]byte{0x42}, 14*512))
	require.ErrorIs(t, err, errBoom)

	// the walk stopped at the failing erase: one erase reached the
	// medium, and no payload write happened
	delta := m.Stats().Sub(before)
	require.EqualValues(t, 1, delta.Erases)
	require.EqualValues(t, 1, delta.Reads)
	require.EqualValues(t, 1, delta.Writes) // lead restore of the first block
}

func TestBlockCountAndNoops(t *testing.T) {
	m := newMem(t, 2)

	d, err := New(m, native)
	require.NoError(t, err)
	require.Equal(t, native, d.BlockSize())
	require.EqualValues(t, 2, d.BlockCount())

	d, err = New(m, 3000)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.BlockCount()) // 8192/3000, remainder unaddressable

	d, err = New(m, 3*native)
	require.NoError(t, err)
	require.EqualValues(t, 0, d.BlockCount())

	require.NoError(t, d.Init())
	require.NoError(t, d.Deinit())
	require.NoError(t, d.Sync())
}
