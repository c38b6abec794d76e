package ptable

import (
	"testing"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/flash"
	"github.com/stretchr/testify/require"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	tab := DefaultOTA(8 << 20)
	require.NoError(t, tab.Validate(8<<20))

	b, err := tab.Marshal()
	require.NoError(t, err)
	// five entries plus the md5 entry
	require.Equal(t, 6*ESP_PARTITION_ENTRY_SIZE, len(b))
	require.Equal(t, byte(0xEB), b[5*ESP_PARTITION_ENTRY_SIZE])
	require.Equal(t, byte(0xEB), b[5*ESP_PARTITION_ENTRY_SIZE+1])

	got, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, tab, got)
}

func TestParseEnds(t *testing.T) {
	tab := DefaultSingleApp(4 << 20)
	b, err := tab.Marshal()
	require.NoError(t, err)

	// chop the md5 entry off and terminate with a blank entry instead
	blank := make([]byte, ESP_PARTITION_ENTRY_SIZE)
	flash.Fill(blank)
	noMd5 := append(b[:3*ESP_PARTITION_ENTRY_SIZE:3*ESP_PARTITION_ENTRY_SIZE], blank...)
	got, err := Parse(noMd5)
	require.NoError(t, err)
	require.Equal(t, tab, got)

	// exhausting the buffer without a terminator is fine too
	got, err = Parse(b[:3*ESP_PARTITION_ENTRY_SIZE])
	require.NoError(t, err)
	require.Equal(t, tab, got)

	got, err = Parse(nil)
	require.NoError(t, err)
	require.Empty(t, got.Parts)
}

func TestParseErrors(t *testing.T) {
	tab := DefaultSingleApp(4 << 20)
	b, err := tab.Marshal()
	require.NoError(t, err)

	bad := append([]byte(nil), b...)
	bad[len(bad)-1] ^= 0xFF
	_, err = Parse(bad)
	require.ErrorContains(t, err, "md5 mismatch")

	bad = append([]byte(nil), b...)
	bad[0], bad[1] = 0x34, 0x12
	_, err = Parse(bad)
	require.ErrorContains(t, err, "magic 0x1234")
}

func TestValidate(t *testing.T) {
	devSize := int64(4 << 20)
	ok := func() *Table { return DefaultSingleApp(devSize) }

	tab := ok()
	require.NoError(t, tab.Validate(devSize))

	tab = ok()
	tab.Parts[0].Label = "nvs_with_a_very_long_name"
	require.ErrorContains(t, tab.Validate(devSize), "label")

	tab = ok()
	tab.Parts[1].Label = "nvs"
	require.ErrorContains(t, tab.Validate(devSize), "duplicate")

	tab = ok()
	tab.Parts[2].Offset = 0x12000
	require.ErrorContains(t, tab.Validate(devSize), "aligned")

	tab = ok()
	tab.Parts[0].Size = 0x1234
	require.ErrorContains(t, tab.Validate(devSize), "multiple")

	tab = ok()
	tab.Parts[0].Offset = 0x8000
	require.ErrorContains(t, tab.Validate(devSize), "partition table")

	tab = ok()
	tab.Parts[2].Size = devSize
	require.ErrorContains(t, tab.Validate(devSize), "past the end")

	tab = ok()
	tab.Parts[0].Size = 0x7000
	require.ErrorContains(t, tab.Validate(devSize), "overlap")

	tab = DefaultOTA(devSize)
	tab.Parts[1].Size = 0x1000
	require.ErrorContains(t, tab.Validate(devSize), "otadata")
}

func TestFind(t *testing.T) {
	tab := DefaultOTA(8 << 20)

	ps := tab.Find(ESP_PARTITION_TYPE_APP, ESP_PARTITION_SUBTYPE_ANY, "")
	require.Len(t, ps, 2)
	slot, isOta := ps[1].IsOta()
	require.True(t, isOta)
	require.Equal(t, 1, slot)

	p, err := tab.FindFirst(ESP_PARTITION_TYPE_DATA, ESP_PARTITION_SUBTYPE_DATA_OTA, "")
	require.NoError(t, err)
	require.Equal(t, "otadata", p.Label)

	p, err = tab.FindLabel("ota_1")
	require.NoError(t, err)
	require.Equal(t, OtaSubType(1), p.SubType)

	p, err = tab.FindLabel("nvs")
	require.NoError(t, err)
	require.Equal(t, uint8(ESP_PARTITION_TYPE_DATA), p.Type)

	_, err = tab.FindLabel("missing")
	require.True(t, common.IsNotFound(err))
}

func TestReadWrite(t *testing.T) {
	dev, err := flash.NewMem(8 << 20)
	require.NoError(t, err)
	tab := DefaultOTA(8 << 20)
	require.NoError(t, tab.Write(dev))

	got, err := Read(dev)
	require.NoError(t, err)
	require.Equal(t, tab, got)

	// rewriting in place works since Write erases the sector first
	tab.Parts[0].Size = 0x3000
	require.NoError(t, tab.Write(dev))
	got, err = Read(dev)
	require.NoError(t, err)
	require.Equal(t, int64(0x3000), got.Parts[0].Size)
}

func TestRegion(t *testing.T) {
	dev, err := flash.NewMem(8 << 20)
	require.NoError(t, err)
	tab := DefaultOTA(8 << 20)
	tab.Parts[2].ReadOnly = true

	p, err := tab.FindLabel("otadata")
	require.NoError(t, err)
	r, err := p.Region(dev)
	require.NoError(t, err)
	require.Equal(t, int64(ESP_PARTITION_OTA_DATA_SIZE), r.Size())
	_, err = r.WriteAt([]byte{0x12}, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = dev.ReadAt(b, p.Offset)
	require.NoError(t, err)
	require.Equal(t, byte(0x12), b[0])

	p, err = tab.FindLabel("phy_init")
	require.NoError(t, err)
	r, err = p.Region(dev)
	require.NoError(t, err)
	_, err = r.WriteAt([]byte{0}, 0)
	require.ErrorIs(t, err, flash.ErrReadOnly)
}

func TestCSV(t *testing.T) {
	csv := `
# ESP-IDF Partition Table
# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x4000,
otadata,  data, ota,     0xd000,  8K,
phy_init, data, phy,     0xf000,  0x1000, readonly
factory,  app,  factory, 0x10000, 1M,
ota_0,    app,  ota_0,   ,        1M,
ota_1,    app,  ota_1,   ,        1M,
`
	tab, err := ParseCSV([]byte(csv))
	require.NoError(t, err)
	require.Len(t, tab.Parts, 6)
	require.Equal(t, int64(0x2000), tab.Parts[1].Size)
	require.True(t, tab.Parts[2].ReadOnly)
	// auto offsets keep app alignment
	require.Equal(t, int64(0x110000), tab.Parts[4].Offset)
	require.Equal(t, int64(0x210000), tab.Parts[5].Offset)
	require.NoError(t, tab.Validate(4<<20))

	got, err := ParseCSV(tab.MarshalCSV())
	require.NoError(t, err)
	require.Equal(t, tab, got)

	_, err = ParseCSV([]byte("bad,app,factory,0x10000\n"))
	require.ErrorContains(t, err, "fields")
	_, err = ParseCSV([]byte("bad,gadget,factory,0x10000,1M\n"))
	require.ErrorContains(t, err, "type")
	_, err = ParseCSV([]byte("bad,app,nvs,0x10000,1M\n"))
	require.ErrorContains(t, err, "subtype")
	_, err = ParseCSV([]byte("bad,app,factory,0x10000,1M,frob\n"))
	require.ErrorContains(t, err, "flag")
}
