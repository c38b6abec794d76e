package shift

const (
	// flash erase granularity is fixed at 4 KiB sectors
	NativeBlock Shift = 12

	DefaultChunkShift Shift = 16
	MaxChunkShift     Shift = 20
)

type Shift int

func (b Shift) Size() int64 {
	return 1 << b
}

func (b Shift) Roundup(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) &^ m1
}

func (b Shift) Leftover(i int64) int64 {
	return i & (b.Size() - 1)
}

func (b Shift) Aligned(i int64) bool {
	return i&(b.Size()-1) == 0
}

func (b Shift) Blocks(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) >> b
}
