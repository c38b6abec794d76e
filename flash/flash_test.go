package flash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMem(t *testing.T) {
	_, err := NewMem(NativeBlockSize + 100)
	require.ErrorIs(t, err, ErrInvalidArg)

	m, err := NewMem(3 * NativeBlockSize)
	require.NoError(t, err)
	require.EqualValues(t, 3*NativeBlockSize, m.Size())
	require.EqualValues(t, 3, m.CleanBlocks())

	// fresh chip reads all ones
	buf := make([]byte, 16)
	_, err = m.ReadAt(buf, 100)
	require.NoError(t, err)
	require.True(t, Erased(buf))

	// writes can only clear bits
	_, err = m.WriteAt([]byte{0xf3}, 100)
	require.NoError(t, err)
	_, err = m.WriteAt([]byte{0x3f}, 100)
	require.NoError(t, err)
	_, err = m.ReadAt(buf[:1], 100)
	require.NoError(t, err)
	require.Equal(t, byte(0x33), buf[0])
	require.EqualValues(t, 2, m.CleanBlocks())
	require.False(t, m.BlockClean(0))
	require.True(t, m.BlockClean(1))

	// erase puts the block back to all ones
	require.NoError(t, m.EraseRange(0, NativeBlockSize))
	_, err = m.ReadAt(buf, 96)
	require.NoError(t, err)
	require.True(t, Erased(buf))
	require.EqualValues(t, 3, m.CleanBlocks())

	// bad args
	_, err = m.ReadAt(buf, m.Size()-8)
	require.ErrorIs(t, err, ErrInvalidArg)
	_, err = m.WriteAt(buf, -1)
	require.ErrorIs(t, err, ErrInvalidArg)
	require.ErrorIs(t, m.EraseRange(100, NativeBlockSize), ErrInvalidArg)
	require.ErrorIs(t, m.EraseRange(0, 100), ErrInvalidArg)

	st := m.Stats()
	require.EqualValues(t, 2, st.Writes)
	require.EqualValues(t, 1, st.Erases)
	require.EqualValues(t, 1, st.EraseBlocks)
}

func TestMemEraseLimit(t *testing.T) {
	m, err := NewMem(2 * NativeBlockSize)
	require.NoError(t, err)
	m.SetEraseLimit(2)

	require.NoError(t, m.EraseRange(0, NativeBlockSize))
	require.NoError(t, m.EraseRange(0, NativeBlockSize))
	err = m.EraseRange(0, NativeBlockSize)
	require.ErrorIs(t, err, ErrIo)
	require.ErrorContains(t, err, "worn out")

	// the other block has its own budget
	require.NoError(t, m.EraseRange(NativeBlockSize, NativeBlockSize))
}

func TestRegion(t *testing.T) {
	m, err := NewMem(4 * NativeBlockSize)
	require.NoError(t, err)

	_, err = NewRegion(m, 100, NativeBlockSize)
	require.ErrorIs(t, err, ErrInvalidArg)
	_, err = NewRegion(m, 3*NativeBlockSize, 2*NativeBlockSize)
	require.ErrorIs(t, err, ErrInvalidArg)

	r, err := NewRegion(m, NativeBlockSize, 2*NativeBlockSize)
	require.NoError(t, err)
	require.EqualValues(t, 2*NativeBlockSize, r.Size())
	require.EqualValues(t, NativeBlockSize, r.Offset())

	// writes land at the window offset
	_, err = r.WriteAt([]byte{0x11, 0x22}, 10)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = m.ReadAt(buf, NativeBlockSize+10)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x22}, buf)

	// region bounds are enforced in region offsets
	_, err = r.ReadAt(buf, r.Size()-1)
	require.ErrorIs(t, err, ErrInvalidArg)
	require.ErrorIs(t, r.EraseRange(2*NativeBlockSize, NativeBlockSize), ErrInvalidArg)

	// erase inside the region doesn't leak out
	_, err = m.WriteAt([]byte{0x55}, 3*NativeBlockSize)
	require.NoError(t, err)
	require.NoError(t, r.EraseRange(0, NativeBlockSize))
	_, err = m.ReadAt(buf[:1], 3*NativeBlockSize)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), buf[0])

	ro := r.AsReadOnly()
	_, err = ro.WriteAt([]byte{0}, 0)
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, ro.EraseRange(0, NativeBlockSize), ErrReadOnly)
	_, err = ro.ReadAt(buf, 0)
	require.NoError(t, err)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chip.img")

	fl, err := CreateFile(path, 2*NativeBlockSize)
	require.NoError(t, err)
	require.EqualValues(t, 2, fl.CleanBlocks())

	// image is locked while open
	_, err = OpenFile(path)
	require.Error(t, err)

	_, err = fl.WriteAt([]byte{0x42, 0x24}, NativeBlockSize)
	require.NoError(t, err)
	require.NoError(t, fl.Sync())
	require.NoError(t, fl.Close())

	// reopen sees the same bytes and rescans erase state
	fl, err = OpenFile(path)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = fl.ReadAt(buf, NativeBlockSize)
	require.NoError(t, err)
	require.Equal(t, []byte{0x42, 0x24}, buf)
	require.EqualValues(t, 1, fl.CleanBlocks())
	require.True(t, fl.BlockClean(0))
	require.False(t, fl.BlockClean(1))
	require.NoError(t, fl.Close())

	// a truncated image is rejected
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.img"), make([]byte, 100), 0o644))
	_, err = OpenFile(filepath.Join(dir, "short.img"))
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = CreateFile(path, 2*NativeBlockSize)
	require.Error(t, err) // exists
}
