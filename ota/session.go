package ota

import (
	"fmt"

	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ptable"
)

// Session streams a new image into an app partition, esp_ota_begin
// through esp_ota_end. A session lives in memory only and is not safe
// for concurrent use.
type Session struct {
	region *flash.Region
	part   *ptable.Partition
	wrote  int64
	done   bool
}

// Begin starts an update into the given app partition, erasing the
// image area up front. Pass SizeUnknown to erase the whole partition,
// otherwise the image size rounded up to whole native blocks is erased.
func Begin(dev flash.Device, p *ptable.Partition, imageSize int64) (*Session, error) {
	if p.Type != ptable.ESP_PARTITION_TYPE_APP {
		return nil, fmt.Errorf("%w: %s is not an app partition", flash.ErrInvalidArg, p)
	}
	r, err := p.Region(dev)
	if err != nil {
		return nil, err
	}
	erase := r.Size()
	if imageSize != SizeUnknown {
		if imageSize <= 0 || imageSize > r.Size() {
			return nil, fmt.Errorf("%w: image size %d does not fit %s", flash.ErrInvalidArg, imageSize, p)
		}
		erase = flash.NativeBlockShift.Roundup(imageSize)
	}
	if err := r.EraseRange(0, erase); err != nil {
		return nil, err
	}
	return &Session{region: r, part: p}, nil
}

func (s *Session) Partition() *ptable.Partition { return s.part }
func (s *Session) Written() int64               { return s.wrote }

// Write appends data at the current offset. The first write must carry
// the start of the image header.
func (s *Session) Write(data []byte) error {
	if s.done {
		return fmt.Errorf("%w: session is finished", flash.ErrInvalidArg)
	}
	if s.wrote == 0 && (len(data) == 0 || data[0] != ESP_IMAGE_HEADER_MAGIC) {
		return fmt.Errorf("image does not start with magic 0x%02x", ESP_IMAGE_HEADER_MAGIC)
	}
	if _, err := s.region.WriteAt(data, s.wrote); err != nil {
		return err
	}
	s.wrote += int64(len(data))
	return nil
}

// WriteAt writes at an explicit offset into the slot, for callers that
// upload chunks out of order. No erasing happens here, Begin already
// erased the image area.
func (s *Session) WriteAt(data []byte, off int64) error {
	if s.done {
		return fmt.Errorf("%w: session is finished", flash.ErrInvalidArg)
	}
	if _, err := s.region.WriteAt(data, off); err != nil {
		return err
	}
	if end := off + int64(len(data)); end > s.wrote {
		s.wrote = end
	}
	return nil
}

// End validates the written image and closes the session. The new
// image still has to be selected with SetBoot to boot.
func (s *Session) End() error {
	if s.done {
		return fmt.Errorf("%w: session is finished", flash.ErrInvalidArg)
	}
	if s.wrote == 0 {
		return fmt.Errorf("%w: nothing written", flash.ErrInvalidArg)
	}
	if err := ValidateImage(s.region); err != nil {
		return fmt.Errorf("image validation: %w", err)
	}
	s.done = true
	return nil
}

// Abort abandons the session. The slot keeps whatever was written.
func (s *Session) Abort() {
	s.done = true
}
