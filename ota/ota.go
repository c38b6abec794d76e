package ota

import (
	"bytes"
	"fmt"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ptable"
)

// Ota reads and rewrites the otadata partition the way esp_ota_ops does
// on the device. The running slot is fixed when the Ota is opened (the
// boot selection at that moment), standing in for the image a device
// would actually be executing.
type Ota struct {
	dev     flash.Device
	data    *flash.Region // otadata window, nil when the table has none
	slots   []*ptable.Partition
	factory *ptable.Partition
	running int
}

// running from the factory partition rather than an ota slot
const factorySlot = -1

func New(dev flash.Device, tab *ptable.Table) (*Ota, error) {
	o := &Ota{dev: dev, running: factorySlot}
	if p, err := tab.FindFirst(ptable.ESP_PARTITION_TYPE_APP, ptable.ESP_PARTITION_SUBTYPE_APP_FACTORY, ""); err == nil {
		o.factory = p
	}
	// slots must be contiguous from ota_0, like esp_ota_get_app_partition_count
	for slot := 0; slot < ptable.ESP_PARTITION_SUBTYPE_APP_OTA_MAX-ptable.ESP_PARTITION_SUBTYPE_APP_OTA_MIN; slot++ {
		p, err := tab.FindFirst(ptable.ESP_PARTITION_TYPE_APP, ptable.OtaSubType(slot), "")
		if err != nil {
			break
		}
		o.slots = append(o.slots, p)
	}
	if o.factory == nil && len(o.slots) == 0 {
		return nil, common.NotFoundErrorf("no app partitions in table")
	}
	if p, err := tab.FindFirst(ptable.ESP_PARTITION_TYPE_DATA, ptable.ESP_PARTITION_SUBTYPE_DATA_OTA, ""); err == nil {
		r, err := p.Region(dev)
		if err != nil {
			return nil, err
		}
		o.data = r
	}
	boot, err := o.Boot()
	if err != nil {
		return nil, err
	}
	if slot, isOta := boot.IsOta(); isOta {
		o.running = slot
	}
	return o, nil
}

func (o *Ota) Slots() []*ptable.Partition { return o.slots }
func (o *Ota) Factory() *ptable.Partition { return o.factory }

// Running returns the partition treated as currently executing.
func (o *Ota) Running() *ptable.Partition {
	if o.running == factorySlot {
		return o.factory
	}
	return o.slots[o.running]
}

func (o *Ota) readEntries() ([2]selectEntry, error) {
	var es [2]selectEntry
	if o.data == nil {
		return es, common.NotFoundErrorf("no otadata partition")
	}
	b := make([]byte, selectEntrySize)
	for i := range es {
		if _, err := o.data.ReadAt(b, int64(i)*flash.NativeBlockSize); err != nil {
			return es, err
		}
		if err := unpack(bytes.NewReader(b), &es[i]); err != nil {
			return es, err
		}
	}
	return es, nil
}

func (o *Ota) writeEntry(i int, e *selectEntry) error {
	b, err := packToBytes(e)
	if err != nil {
		return err
	}
	off := int64(i) * flash.NativeBlockSize
	if err := o.data.EraseRange(off, flash.NativeBlockSize); err != nil {
		return err
	}
	_, err = o.data.WriteAt(b, off)
	return err
}

// activeEntry is bootloader_common_get_active_otadata: the index of the
// valid entry with the highest seq, entry 0 on a tie, -1 when neither
// is valid.
func activeEntry(es *[2]selectEntry) int {
	act := -1
	var best uint32
	for i := range es {
		if es[i].valid() && (act == -1 || es[i].Seq > best) {
			act, best = i, es[i].Seq
		}
	}
	return act
}

// slotState finds the entry governing a slot: valid, mapping to the
// slot by seq, highest seq winning.
func slotState(es *[2]selectEntry, count, slot int) State {
	st := StateUndefined
	var best uint32
	found := false
	for i := range es {
		e := &es[i]
		if !e.valid() || int((e.Seq-1)%uint32(count)) != slot {
			continue
		}
		if !found || e.Seq > best {
			st, best, found = State(e.State), e.Seq, true
		}
	}
	return st
}

// Boot returns the partition the bootloader would pick: the slot
// selected by the active otadata entry, else factory, else ota_0.
func (o *Ota) Boot() (*ptable.Partition, error) {
	if o.data != nil && len(o.slots) > 0 {
		es, err := o.readEntries()
		if err != nil {
			return nil, err
		}
		if act := activeEntry(&es); act != -1 {
			return o.slots[int(es[act].Seq-1)%len(o.slots)], nil
		}
	}
	if o.factory != nil {
		return o.factory, nil
	}
	if len(o.slots) > 0 {
		return o.slots[0], nil
	}
	return nil, common.NotFoundErrorf("no bootable partition")
}

// SetBoot makes the given ota slot the boot selection, writing the
// inactive select entry with the lowest seq that makes the slot win
// (esp_rewrite_ota_data).
func (o *Ota) SetBoot(slot int) error {
	if slot < 0 || slot >= len(o.slots) {
		return fmt.Errorf("%w: no ota slot %d", flash.ErrInvalidArg, slot)
	}
	es, err := o.readEntries()
	if err != nil {
		return err
	}
	count := uint32(len(o.slots))
	var e selectEntry
	flash.Fill(e.Label[:])
	target := 0
	if act := activeEntry(&es); act == -1 {
		e.Seq = uint32(slot) + 1
	} else {
		e.Seq = (uint32(slot) + 1) % count
		for e.Seq <= es[act].Seq {
			e.Seq += count
		}
		target = act ^ 1
	}
	e.State = uint32(StateNew)
	e.Crc = seqCrc(e.Seq)
	return o.writeEntry(target, &e)
}

// State returns the rollback state recorded for an ota slot.
func (o *Ota) State(slot int) (State, error) {
	if slot < 0 || slot >= len(o.slots) {
		return StateUndefined, fmt.Errorf("%w: no ota slot %d", flash.ErrInvalidArg, slot)
	}
	es, err := o.readEntries()
	if err != nil {
		return StateUndefined, err
	}
	return slotState(&es, len(o.slots), slot), nil
}

// MarkValid marks the running slot valid, canceling a pending rollback
// (esp_ota_mark_app_valid_cancel_rollback).
func (o *Ota) MarkValid() error {
	return o.setRunningState(StateValid)
}

// MarkInvalid marks the running slot invalid so the bootloader falls
// back at the next boot. The device reboots at this point; here the
// state write is all there is.
func (o *Ota) MarkInvalid() error {
	return o.setRunningState(StateInvalid)
}

func (o *Ota) setRunningState(st State) error {
	if o.running == factorySlot {
		return fmt.Errorf("factory image has no ota state")
	}
	es, err := o.readEntries()
	if err != nil {
		return err
	}
	// the running slot is governed by the active entry, update in place
	act := activeEntry(&es)
	if act == -1 || int((es[act].Seq-1)%uint32(len(o.slots))) != o.running {
		return common.NotFoundErrorf("no otadata entry for running slot %d", o.running)
	}
	es[act].State = uint32(st)
	return o.writeEntry(act, &es[act])
}

// NextUpdate returns the slot the next update should go into: the one
// after the running slot, or ota_0 when running from factory.
func (o *Ota) NextUpdate() (*ptable.Partition, error) {
	if len(o.slots) == 0 {
		return nil, common.NotFoundErrorf("no ota app partitions")
	}
	if o.running == factorySlot {
		return o.slots[0], nil
	}
	if next := (o.running + 1) % len(o.slots); next != o.running {
		return o.slots[next], nil
	}
	return nil, common.NotFoundErrorf("no ota slot other than the running one")
}

// CheckRollback reports whether some app other than the running one
// could be booted instead: its state allows booting and it holds a
// valid image.
func (o *Ota) CheckRollback() (bool, error) {
	var es [2]selectEntry
	if o.data != nil {
		var err error
		if es, err = o.readEntries(); err != nil {
			return false, err
		}
	}
	for slot, p := range o.slots {
		if slot == o.running {
			continue
		}
		if !slotState(&es, len(o.slots), slot).Bootable() {
			continue
		}
		if r, err := p.Region(o.dev); err == nil && ValidateImage(r) == nil {
			return true, nil
		}
	}
	if o.running != factorySlot && o.factory != nil {
		if r, err := o.factory.Region(o.dev); err == nil && ValidateImage(r) == nil {
			return true, nil
		}
	}
	return false, nil
}

// Description reads the app descriptor out of an app partition
// (esp_ota_get_partition_description).
func (o *Ota) Description(p *ptable.Partition) (*AppDesc, error) {
	r, err := p.Region(o.dev)
	if err != nil {
		return nil, err
	}
	return ReadAppDesc(r)
}
