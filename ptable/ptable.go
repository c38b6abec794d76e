// Package ptable reads and writes esp-idf partition tables: up to 95
// 32-byte entries at flash offset 0x8000, followed by an md5 entry.
package ptable

import (
	"bytes"
	"cmp"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/flash"
)

type (
	Partition struct {
		Type      uint8
		SubType   uint8
		Offset    int64
		Size      int64
		Label     string
		Encrypted bool
		ReadOnly  bool
	}

	Table struct {
		Parts []Partition
	}
)

func (p *Partition) String() string {
	return fmt.Sprintf("%s(%s @0x%x+0x%x)", p.Label, SubTypeName(p.Type, p.SubType), p.Offset, p.Size)
}

// Region returns the partition's window of the device. Read only
// partitions come back read only.
func (p *Partition) Region(dev flash.Device) (*flash.Region, error) {
	r, err := flash.NewRegion(dev, p.Offset, p.Size)
	if err != nil {
		return nil, err
	}
	if p.ReadOnly {
		r = r.AsReadOnly()
	}
	return r, nil
}

// IsOta returns the slot number if this is an ota app partition.
func (p *Partition) IsOta() (int, bool) {
	if p.Type == ESP_PARTITION_TYPE_APP &&
		p.SubType >= ESP_PARTITION_SUBTYPE_APP_OTA_MIN &&
		p.SubType < ESP_PARTITION_SUBTYPE_APP_OTA_MAX {
		return int(p.SubType - ESP_PARTITION_SUBTYPE_APP_OTA_MIN), true
	}
	return 0, false
}

func OtaSubType(slot int) uint8 {
	if slot < 0 || slot >= ESP_PARTITION_SUBTYPE_APP_OTA_MAX-ESP_PARTITION_SUBTYPE_APP_OTA_MIN {
		panic("ota slot out of range")
	}
	return ESP_PARTITION_SUBTYPE_APP_OTA_MIN + uint8(slot)
}

func (e *entry) toPartition() Partition {
	label := e.Label[:]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	return Partition{
		Type:      e.Type,
		SubType:   e.SubType,
		Offset:    int64(e.Offset),
		Size:      int64(e.Size),
		Label:     string(label),
		Encrypted: e.Flags&ESP_PARTITION_FLAG_ENCRYPTED != 0,
		ReadOnly:  e.Flags&ESP_PARTITION_FLAG_READONLY != 0,
	}
}

func (p *Partition) toEntry() entry {
	e := entry{
		Magic:   ESP_PARTITION_MAGIC,
		Type:    p.Type,
		SubType: p.SubType,
		Offset:  common.TruncU32(p.Offset),
		Size:    common.TruncU32(p.Size),
	}
	copy(e.Label[:], p.Label)
	if p.Encrypted {
		e.Flags |= ESP_PARTITION_FLAG_ENCRYPTED
	}
	if p.ReadOnly {
		e.Flags |= ESP_PARTITION_FLAG_READONLY
	}
	return e
}

// Parse decodes a binary table. The table ends at a blank entry, an md5
// entry (which is verified), or the end of the buffer.
func Parse(b []byte) (*Table, error) {
	t := &Table{}
	for off := 0; off+ESP_PARTITION_ENTRY_SIZE <= len(b); off += ESP_PARTITION_ENTRY_SIZE {
		eb := b[off : off+ESP_PARTITION_ENTRY_SIZE]
		switch magic := binary.LittleEndian.Uint16(eb); magic {
		case 0xFFFF:
			// blank entry, end of table
			return t, nil
		case ESP_PARTITION_MAGIC_MD5:
			sum := md5.Sum(b[:off])
			if !bytes.Equal(sum[:], eb[16:]) {
				return nil, fmt.Errorf("partition table md5 mismatch")
			}
			return t, nil
		case ESP_PARTITION_MAGIC:
			var e entry
			if err := unpack(bytes.NewReader(eb), &e); err != nil {
				return nil, err
			}
			t.Parts = append(t.Parts, e.toPartition())
		default:
			return nil, fmt.Errorf("bad partition entry magic 0x%04x at offset %d", magic, off)
		}
	}
	return t, nil
}

func (t *Table) Marshal() ([]byte, error) {
	if len(t.Parts) > ESP_PARTITION_TABLE_MAX_ENTRIES {
		return nil, fmt.Errorf("too many partitions: %d > %d", len(t.Parts), ESP_PARTITION_TABLE_MAX_ENTRIES)
	}
	var b bytes.Buffer
	for i := range t.Parts {
		e := t.Parts[i].toEntry()
		if err := pack(&b, &e); err != nil {
			return nil, err
		}
	}
	sum := md5.Sum(b.Bytes())
	md5Entry := make([]byte, ESP_PARTITION_ENTRY_SIZE)
	flash.Fill(md5Entry)
	binary.LittleEndian.PutUint16(md5Entry, ESP_PARTITION_MAGIC_MD5)
	copy(md5Entry[16:], sum[:])
	b.Write(md5Entry)
	return b.Bytes(), nil
}

// Validate checks what the esp-idf bootloader would check, plus the
// alignment this package needs to hand out erasable regions.
func (t *Table) Validate(devSize int64) error {
	seen := make(map[string]bool)
	otadata := 0
	for i := range t.Parts {
		p := &t.Parts[i]
		if p.Label == "" || len(p.Label) > 15 {
			return fmt.Errorf("bad partition label %q", p.Label)
		}
		if seen[p.Label] {
			return fmt.Errorf("duplicate partition label %q", p.Label)
		}
		seen[p.Label] = true

		align := int64(ESP_PARTITION_DATA_ALIGN)
		if p.Type == ESP_PARTITION_TYPE_APP {
			align = ESP_PARTITION_APP_ALIGN
		}
		if p.Offset%align != 0 {
			return fmt.Errorf("%s: offset not aligned to 0x%x", p, align)
		}
		if p.Size <= 0 || p.Size%ESP_PARTITION_DATA_ALIGN != 0 {
			return fmt.Errorf("%s: size not a multiple of 0x%x", p, ESP_PARTITION_DATA_ALIGN)
		}
		if p.Offset < ESP_PARTITION_TABLE_OFFSET+flash.NativeBlockSize {
			return fmt.Errorf("%s: overlaps the partition table", p)
		}
		if p.Offset+p.Size > devSize {
			return fmt.Errorf("%s: extends past the end of flash (0x%x)", p, devSize)
		}
		if p.Type == ESP_PARTITION_TYPE_DATA && p.SubType == ESP_PARTITION_SUBTYPE_DATA_OTA {
			if p.Size != ESP_PARTITION_OTA_DATA_SIZE {
				return fmt.Errorf("%s: otadata must be exactly 0x%x", p, ESP_PARTITION_OTA_DATA_SIZE)
			}
			otadata++
		}
	}
	if otadata > 1 {
		return fmt.Errorf("more than one otadata partition")
	}

	byOff := slices.Clone(t.Parts)
	slices.SortFunc(byOff, func(a, b Partition) int { return cmp.Compare(a.Offset, b.Offset) })
	for i := 1; i < len(byOff); i++ {
		if byOff[i-1].Offset+byOff[i-1].Size > byOff[i].Offset {
			return fmt.Errorf("partitions %s and %s overlap", &byOff[i-1], &byOff[i])
		}
	}
	return nil
}

// Find returns all partitions matching type, subtype, and label.
// ESP_PARTITION_SUBTYPE_ANY matches any subtype, an empty label matches
// any label.
func (t *Table) Find(typ, subtype uint8, label string) []*Partition {
	var out []*Partition
	for i := range t.Parts {
		p := &t.Parts[i]
		if p.Type != typ {
			continue
		} else if subtype != ESP_PARTITION_SUBTYPE_ANY && p.SubType != subtype {
			continue
		} else if label != "" && p.Label != label {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (t *Table) FindFirst(typ, subtype uint8, label string) (*Partition, error) {
	if ps := t.Find(typ, subtype, label); len(ps) > 0 {
		return ps[0], nil
	}
	return nil, common.NotFoundErrorf("no partition type=%s subtype=0x%02x label=%q",
		TypeName(typ), subtype, label)
}

// FindLabel looks a label up among app partitions first, then data.
func (t *Table) FindLabel(label string) (*Partition, error) {
	if p, err := t.FindFirst(ESP_PARTITION_TYPE_APP, ESP_PARTITION_SUBTYPE_ANY, label); err == nil {
		return p, nil
	}
	return t.FindFirst(ESP_PARTITION_TYPE_DATA, ESP_PARTITION_SUBTYPE_ANY, label)
}

// Read loads and parses the table from its fixed offset on the device.
func Read(dev flash.Device) (*Table, error) {
	buf := make([]byte, ESP_PARTITION_TABLE_MAX_LEN)
	if _, err := dev.ReadAt(buf, ESP_PARTITION_TABLE_OFFSET); err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Write erases the table sector and writes the marshaled entries.
func (t *Table) Write(dev flash.Device) error {
	b, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := dev.EraseRange(ESP_PARTITION_TABLE_OFFSET, flash.NativeBlockSize); err != nil {
		return err
	}
	_, err = dev.WriteAt(b, ESP_PARTITION_TABLE_OFFSET)
	return err
}

// DefaultOTA builds the standard two-slot ota layout for a device of the
// given size: nvs, otadata, phy, then two equal app slots.
func DefaultOTA(devSize int64) *Table {
	appOff := int64(ESP_PARTITION_APP_ALIGN)
	per := (devSize - appOff) / 2 / ESP_PARTITION_APP_ALIGN * ESP_PARTITION_APP_ALIGN
	return &Table{Parts: []Partition{
		{Label: "nvs", Type: ESP_PARTITION_TYPE_DATA, SubType: ESP_PARTITION_SUBTYPE_DATA_NVS, Offset: 0x9000, Size: 0x4000},
		{Label: "otadata", Type: ESP_PARTITION_TYPE_DATA, SubType: ESP_PARTITION_SUBTYPE_DATA_OTA, Offset: 0xd000, Size: 0x2000},
		{Label: "phy_init", Type: ESP_PARTITION_TYPE_DATA, SubType: ESP_PARTITION_SUBTYPE_DATA_PHY, Offset: 0xf000, Size: 0x1000},
		{Label: "ota_0", Type: ESP_PARTITION_TYPE_APP, SubType: OtaSubType(0), Offset: appOff, Size: per},
		{Label: "ota_1", Type: ESP_PARTITION_TYPE_APP, SubType: OtaSubType(1), Offset: appOff + per, Size: per},
	}}
}

// DefaultSingleApp builds the minimal layout: nvs, phy, one factory app
// using the rest of the device.
func DefaultSingleApp(devSize int64) *Table {
	appOff := int64(ESP_PARTITION_APP_ALIGN)
	appSize := (devSize - appOff) / ESP_PARTITION_APP_ALIGN * ESP_PARTITION_APP_ALIGN
	return &Table{Parts: []Partition{
		{Label: "nvs", Type: ESP_PARTITION_TYPE_DATA, SubType: ESP_PARTITION_SUBTYPE_DATA_NVS, Offset: 0x9000, Size: 0x6000},
		{Label: "phy_init", Type: ESP_PARTITION_TYPE_DATA, SubType: ESP_PARTITION_SUBTYPE_DATA_PHY, Offset: 0xf000, Size: 0x1000},
		{Label: "factory", Type: ESP_PARTITION_TYPE_APP, SubType: ESP_PARTITION_SUBTYPE_APP_FACTORY, Offset: appOff, Size: appSize},
	}}
}
