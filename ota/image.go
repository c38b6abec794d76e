package ota

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dnr/flint/common/chipid"
	"github.com/dnr/flint/common/imgdig"
)

type (
	// ImageInfo is the decoded app image header.
	ImageInfo struct {
		ChipId       chipid.Id
		SegmentCount int
		EntryAddr    uint32
		HashAppended bool
	}

	// AppDesc is the app descriptor embedded in every esp-idf app image.
	AppDesc struct {
		SecureVersion uint32
		Version       string
		ProjectName   string
		Time          string
		Date          string
		IdfVer        string
		Sha256        imgdig.Digest
	}
)

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ReadImageInfo parses the image header at the start of r.
func ReadImageInfo(r io.ReaderAt) (*ImageInfo, error) {
	b := make([]byte, imageHeaderSize)
	if _, err := r.ReadAt(b, 0); err != nil {
		return nil, err
	}
	var h imageHeader
	if err := unpack(bytes.NewReader(b), &h); err != nil {
		return nil, err
	}
	if h.Magic != ESP_IMAGE_HEADER_MAGIC {
		return nil, fmt.Errorf("bad image magic 0x%02x", h.Magic)
	}
	return &ImageInfo{
		ChipId:       chipid.Id(h.ChipId),
		SegmentCount: int(h.SegmentCount),
		EntryAddr:    h.EntryAddr,
		HashAppended: h.HashAppended == 1,
	}, nil
}

// ReadAppDesc parses the app descriptor at its fixed offset in r.
func ReadAppDesc(r io.ReaderAt) (*AppDesc, error) {
	b := make([]byte, appDescSize)
	if _, err := r.ReadAt(b, ESP_APP_DESC_OFFSET); err != nil {
		return nil, err
	}
	var d appDesc
	if err := unpack(bytes.NewReader(b), &d); err != nil {
		return nil, err
	}
	if d.Magic != ESP_APP_DESC_MAGIC_WORD {
		return nil, fmt.Errorf("bad app descriptor magic 0x%08x", d.Magic)
	}
	return &AppDesc{
		SecureVersion: d.SecureVersion,
		Version:       cstr(d.Version[:]),
		ProjectName:   cstr(d.ProjectName[:]),
		Time:          cstr(d.Time[:]),
		Date:          cstr(d.Date[:]),
		IdfVer:        cstr(d.IdfVer[:]),
		Sha256:        imgdig.FromBytes(d.Sha256[:]),
	}, nil
}

// ValidateImage checks that r starts with a bootable app image: a good
// header, a chip id we know (or the all-ones id of legacy images), and
// an app descriptor.
func ValidateImage(r io.ReaderAt) error {
	info, err := ReadImageInfo(r)
	if err != nil {
		return err
	}
	if !info.ChipId.Known() && info.ChipId != chipid.Invalid {
		return fmt.Errorf("unknown chip id %s", info.ChipId)
	}
	_, err = ReadAppDesc(r)
	return err
}

// BuildImage assembles a minimal app image: header, one segment whose
// data starts with the app descriptor, then the payload. Enough for
// the validation and inspection here to accept it; real images come
// out of the idf build. Long descriptor strings are truncated.
func BuildImage(info *ImageInfo, desc *AppDesc, payload []byte) ([]byte, error) {
	h := imageHeader{
		Magic:        ESP_IMAGE_HEADER_MAGIC,
		SegmentCount: 1,
		EntryAddr:    info.EntryAddr,
		ChipId:       uint16(info.ChipId),
	}
	if info.HashAppended {
		h.HashAppended = 1
	}
	seg := segmentHeader{DataLen: uint32(appDescSize + len(payload))}
	d := appDesc{
		Magic:         ESP_APP_DESC_MAGIC_WORD,
		SecureVersion: desc.SecureVersion,
		Sha256:        [32]byte(desc.Sha256),
	}
	copy(d.Version[:], desc.Version)
	copy(d.ProjectName[:], desc.ProjectName)
	copy(d.Time[:], desc.Time)
	copy(d.Date[:], desc.Date)
	copy(d.IdfVer[:], desc.IdfVer)

	var b bytes.Buffer
	for _, v := range []any{&h, &seg, &d} {
		if err := pack(&b, v); err != nil {
			return nil, err
		}
	}
	b.Write(payload)
	return b.Bytes(), nil
}
