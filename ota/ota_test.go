package ota

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/common/chipid"
	"github.com/dnr/flint/common/imgdig"
	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ptable"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T) (*flash.Mem, *ptable.Table) {
	t.Helper()
	dev, err := flash.NewMem(8 << 20)
	require.NoError(t, err)
	tab := ptable.DefaultOTA(8 << 20)
	require.NoError(t, tab.Write(dev))
	return dev, tab
}

func testImage(t *testing.T, payload int) []byte {
	t.Helper()
	img, err := BuildImage(
		&ImageInfo{ChipId: chipid.Esp32, EntryAddr: 0x40080000},
		&AppDesc{
			ProjectName: "blinky",
			Version:     "1.2.3",
			IdfVer:      "v5.2",
			Sha256:      imgdig.FromData([]byte("app")),
		},
		bytes.Repeat([]byte{0x5a}, payload))
	require.NoError(t, err)
	return img
}

func TestSeqCrc(t *testing.T) {
	// pinned to the crc values real devices write into otadata
	require.Equal(t, uint32(0x4743989A), seqCrc(1))
	require.Equal(t, uint32(0x55F63774), seqCrc(2))

	e := selectEntry{Seq: 1, Crc: 0x4743989A}
	require.True(t, e.valid())
	e.Crc++
	require.False(t, e.valid())
	e = selectEntry{Seq: invalidSeq, Crc: seqCrc(invalidSeq)}
	require.False(t, e.valid())
}

func TestPackedSizes(t *testing.T) {
	for _, tc := range []struct {
		v    any
		size int
	}{
		{&selectEntry{}, selectEntrySize},
		{&imageHeader{}, imageHeaderSize},
		{&segmentHeader{}, segmentHeaderSize},
		{&appDesc{}, appDescSize},
	} {
		b, err := packToBytes(tc.v)
		require.NoError(t, err)
		require.Len(t, b, tc.size)
	}
}

func TestFreshBoot(t *testing.T) {
	dev, tab := newImage(t)
	o, err := New(dev, tab)
	require.NoError(t, err)

	// no factory in this table and no otadata written yet
	boot, err := o.Boot()
	require.NoError(t, err)
	require.Equal(t, "ota_0", boot.Label)
	require.Same(t, boot, o.Running())

	st, err := o.State(1)
	require.NoError(t, err)
	require.Equal(t, StateUndefined, st)
	_, err = o.State(5)
	require.ErrorIs(t, err, flash.ErrInvalidArg)
}

func TestSetBoot(t *testing.T) {
	dev, tab := newImage(t)
	o, err := New(dev, tab)
	require.NoError(t, err)
	od, err := tab.FindLabel("otadata")
	require.NoError(t, err)

	require.NoError(t, o.SetBoot(1))
	boot, err := o.Boot()
	require.NoError(t, err)
	require.Equal(t, "ota_1", boot.Label)

	// first selection lands in entry 0 with seq 2, entry 1 stays erased
	b := make([]byte, selectEntrySize)
	_, err = dev.ReadAt(b, od.Offset)
	require.NoError(t, err)
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(b))
	require.Equal(t, uint32(StateNew), binary.LittleEndian.Uint32(b[24:28]))
	require.Equal(t, uint32(0x55F63774), binary.LittleEndian.Uint32(b[28:32]))
	_, err = dev.ReadAt(b, od.Offset+flash.NativeBlockSize)
	require.NoError(t, err)
	require.True(t, flash.Erased(b))

	// switching back writes the other entry with the next winning seq
	require.NoError(t, o.SetBoot(0))
	boot, err = o.Boot()
	require.NoError(t, err)
	require.Equal(t, "ota_0", boot.Label)
	_, err = dev.ReadAt(b, od.Offset+flash.NativeBlockSize)
	require.NoError(t, err)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(b))

	require.NoError(t, o.SetBoot(1))
	_, err = dev.ReadAt(b, od.Offset)
	require.NoError(t, err)
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(b))

	require.ErrorIs(t, o.SetBoot(2), flash.ErrInvalidArg)
}

func TestMarkAndState(t *testing.T) {
	dev, tab := newImage(t)
	o, err := New(dev, tab)
	require.NoError(t, err)

	// nothing selected yet, so the running slot has no entry to mark
	require.True(t, common.IsNotFound(o.MarkValid()))

	require.NoError(t, o.SetBoot(0))
	require.NoError(t, o.MarkValid())
	st, err := o.State(0)
	require.NoError(t, err)
	require.Equal(t, StateValid, st)
	require.True(t, st.Bootable())

	require.NoError(t, o.MarkInvalid())
	st, err = o.State(0)
	require.NoError(t, err)
	require.Equal(t, StateInvalid, st)
	require.False(t, st.Bootable())
	require.Equal(t, "invalid", st.String())

	st, err = o.State(1)
	require.NoError(t, err)
	require.Equal(t, StateUndefined, st)
	require.True(t, st.Bootable())
}

func TestNextUpdate(t *testing.T) {
	dev, tab := newImage(t)
	o, err := New(dev, tab)
	require.NoError(t, err)
	next, err := o.NextUpdate()
	require.NoError(t, err)
	require.Equal(t, "ota_1", next.Label)

	// once ota_1 is the boot selection, a fresh open runs from it
	require.NoError(t, o.SetBoot(1))
	o2, err := New(dev, tab)
	require.NoError(t, err)
	require.Equal(t, "ota_1", o2.Running().Label)
	next, err = o2.NextUpdate()
	require.NoError(t, err)
	require.Equal(t, "ota_0", next.Label)
}

func TestFactoryAndSingleSlot(t *testing.T) {
	dev, err := flash.NewMem(4 << 20)
	require.NoError(t, err)
	tab := &ptable.Table{Parts: []ptable.Partition{
		{Label: "otadata", Type: ptable.ESP_PARTITION_TYPE_DATA, SubType: ptable.ESP_PARTITION_SUBTYPE_DATA_OTA, Offset: 0x9000, Size: 0x2000},
		{Label: "factory", Type: ptable.ESP_PARTITION_TYPE_APP, SubType: ptable.ESP_PARTITION_SUBTYPE_APP_FACTORY, Offset: 0x10000, Size: 0x100000},
		{Label: "ota_0", Type: ptable.ESP_PARTITION_TYPE_APP, SubType: ptable.OtaSubType(0), Offset: 0x110000, Size: 0x100000},
	}}
	require.NoError(t, tab.Validate(4<<20))
	require.NoError(t, tab.Write(dev))

	o, err := New(dev, tab)
	require.NoError(t, err)
	require.Equal(t, "factory", o.Running().Label)
	next, err := o.NextUpdate()
	require.NoError(t, err)
	require.Equal(t, "ota_0", next.Label)

	// running from the only ota slot there is nowhere to update to
	require.NoError(t, o.SetBoot(0))
	o2, err := New(dev, tab)
	require.NoError(t, err)
	require.Equal(t, "ota_0", o2.Running().Label)
	_, err = o2.NextUpdate()
	require.True(t, common.IsNotFound(err))
}

func TestSessionFlow(t *testing.T) {
	dev, tab := newImage(t)
	o, err := New(dev, tab)
	require.NoError(t, err)
	target, err := o.NextUpdate()
	require.NoError(t, err)
	img := testImage(t, 3000)

	// nothing else is flashed yet, so nothing to fall back to
	ok, err := o.CheckRollback()
	require.NoError(t, err)
	require.False(t, ok)

	before := dev.Stats()
	s, err := Begin(dev, target, int64(len(img)))
	require.NoError(t, err)
	d := dev.Stats().Sub(before)
	require.Equal(t, int64(1), d.Erases)
	require.Equal(t, flash.NativeBlockShift.Blocks(int64(len(img))), d.EraseBlocks)

	require.NoError(t, s.Write(img[:1000]))
	require.NoError(t, s.Write(img[1000:]))
	require.Equal(t, int64(len(img)), s.Written())
	require.NoError(t, s.End())
	require.ErrorIs(t, s.End(), flash.ErrInvalidArg)

	slot, isOta := target.IsOta()
	require.True(t, isOta)
	require.NoError(t, o.SetBoot(slot))
	boot, err := o.Boot()
	require.NoError(t, err)
	require.Same(t, target, boot)

	desc, err := o.Description(target)
	require.NoError(t, err)
	require.Equal(t, "blinky", desc.ProjectName)
	require.Equal(t, "1.2.3", desc.Version)

	// ota_1 is now a bootable alternative to the running ota_0
	ok, err = o.CheckRollback()
	require.NoError(t, err)
	require.True(t, ok)

	// but running from ota_1, the still-erased ota_0 is not
	o2, err := New(dev, tab)
	require.NoError(t, err)
	require.Equal(t, "ota_1", o2.Running().Label)
	ok, err = o2.CheckRollback()
	require.NoError(t, err)
	require.False(t, ok)

	s2, err := Begin(dev, o.Running(), SizeUnknown)
	require.NoError(t, err)
	require.NoError(t, s2.Write(img))
	require.NoError(t, s2.End())
	ok, err = o2.CheckRollback()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSessionOutOfOrder(t *testing.T) {
	dev, tab := newImage(t)
	ota1, err := tab.FindLabel("ota_1")
	require.NoError(t, err)
	img := testImage(t, 100)

	s, err := Begin(dev, ota1, SizeUnknown)
	require.NoError(t, err)
	require.NoError(t, s.WriteAt(img[200:], 200))
	require.NoError(t, s.WriteAt(img[:200], 0))
	require.Equal(t, int64(len(img)), s.Written())
	require.NoError(t, s.End())

	r, err := ota1.Region(dev)
	require.NoError(t, err)
	got := make([]byte, len(img))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, img, got)
}

func TestSessionErrors(t *testing.T) {
	dev, tab := newImage(t)
	nvs, err := tab.FindLabel("nvs")
	require.NoError(t, err)
	_, err = Begin(dev, nvs, 100)
	require.ErrorIs(t, err, flash.ErrInvalidArg)

	ota0, err := tab.FindLabel("ota_0")
	require.NoError(t, err)
	_, err = Begin(dev, ota0, ota0.Size+1)
	require.ErrorIs(t, err, flash.ErrInvalidArg)
	_, err = Begin(dev, ota0, 0)
	require.ErrorIs(t, err, flash.ErrInvalidArg)

	before := dev.Stats()
	s, err := Begin(dev, ota0, SizeUnknown)
	require.NoError(t, err)
	require.Equal(t, ota0.Size>>flash.NativeBlockShift, dev.Stats().Sub(before).EraseBlocks)

	require.ErrorContains(t, s.Write([]byte{0x12, 0x34}), "magic")
	require.ErrorIs(t, s.End(), flash.ErrInvalidArg)

	// a bare magic byte passes the header read but has no descriptor
	require.NoError(t, s.Write([]byte{ESP_IMAGE_HEADER_MAGIC}))
	require.ErrorContains(t, s.End(), "descriptor")

	s.Abort()
	require.ErrorIs(t, s.Write([]byte{1}), flash.ErrInvalidArg)
}

func TestImageCodec(t *testing.T) {
	sha := imgdig.FromData([]byte("firmware"))
	img, err := BuildImage(
		&ImageInfo{ChipId: chipid.Esp32S3, EntryAddr: 0x40370000, HashAppended: true},
		&AppDesc{
			SecureVersion: 7,
			Version:       "2.0",
			ProjectName:   "demo",
			Time:          "12:00:00",
			Date:          "Aug 25 2026",
			IdfVer:        "v5.2.1",
			Sha256:        sha,
		},
		[]byte("payload"))
	require.NoError(t, err)

	// the descriptor must land right after the first segment header
	require.Equal(t, uint32(ESP_APP_DESC_MAGIC_WORD),
		binary.LittleEndian.Uint32(img[ESP_APP_DESC_OFFSET:]))

	info, err := ReadImageInfo(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, chipid.Esp32S3, info.ChipId)
	require.Equal(t, uint32(0x40370000), info.EntryAddr)
	require.True(t, info.HashAppended)
	require.Equal(t, 1, info.SegmentCount)

	desc, err := ReadAppDesc(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, uint32(7), desc.SecureVersion)
	require.Equal(t, "demo", desc.ProjectName)
	require.Equal(t, "Aug 25 2026", desc.Date)
	require.Equal(t, "v5.2.1", desc.IdfVer)
	require.Equal(t, sha, desc.Sha256)

	require.NoError(t, ValidateImage(bytes.NewReader(img)))

	bad := slices.Clone(img)
	bad[0] = 0xAA
	require.ErrorContains(t, ValidateImage(bytes.NewReader(bad)), "image magic")

	bad = slices.Clone(img)
	binary.LittleEndian.PutUint16(bad[12:], 0x7777)
	require.ErrorContains(t, ValidateImage(bytes.NewReader(bad)), "chip id")
}
