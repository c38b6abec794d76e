package daemon

import (
	"context"
	"net/http"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/ota"
	"github.com/dnr/flint/ptable"
)

func (s *server) handleOtaBeginReq(ctx context.Context, r *OtaBeginReq) (*OtaBeginResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	var p *ptable.Partition
	if r.Partition != "" {
		p, err = d.partition(r.Partition)
	} else {
		var o *ota.Ota
		if o, err = d.ota(); err == nil {
			p, err = o.NextUpdate()
		}
	}
	if err != nil {
		return nil, mapErr(err)
	}
	for _, sn := range s.sessions.Values() {
		if sn.dev == d && sn.sess.Partition() == p {
			return nil, mwErr(http.StatusConflict, "update already in progress on %s", p.Label)
		}
	}
	size := r.Size
	if size <= 0 {
		size = ota.SizeUnknown
	}
	sess, err := ota.Begin(d.fl, p, size)
	if err != nil {
		return nil, mapErr(err)
	}
	h := s.sessionId.Add(1)
	s.sessions.Put(h, &otaSession{handle: h, dev: d, sess: sess})
	s.stats.otaBegins.Add(1)
	return &OtaBeginResp{Handle: h, Partition: p.Label, Size: p.Size}, nil
}

func (s *server) handleOtaWriteReq(ctx context.Context, r *OtaWriteReq) (*Status, error) {
	sn, err := s.getSession(r.Handle)
	if err != nil {
		return nil, err
	}
	data, done, err := s.payload(r.Data, r.Zstd)
	if err != nil {
		return nil, err
	}
	defer done()
	sn.dev.lock.Lock()
	defer sn.dev.lock.Unlock()
	if r.Off != nil {
		err = sn.sess.WriteAt(data, *r.Off)
	} else {
		err = sn.sess.Write(data)
	}
	if err != nil {
		return nil, mapErrReq(err)
	}
	s.stats.otaWrites.Add(1)
	s.stats.otaWriteBytes.Add(int64(len(data)))
	return nil, nil
}

// handleOtaEndReq finishes a session. The handle is gone afterwards
// whether or not validation passed (esp_ota_end semantics).
func (s *server) handleOtaEndReq(ctx context.Context, r *OtaEndReq) (*Status, error) {
	sn, ok := s.sessions.GetAndDel(r.Handle)
	if !ok {
		return nil, mwErr(http.StatusNotFound, "unknown update handle %d", r.Handle)
	}
	sn.dev.lock.Lock()
	defer sn.dev.lock.Unlock()
	if err := sn.sess.End(); err != nil {
		s.stats.otaErrs.Add(1)
		return nil, mapErrReq(err)
	}
	s.stats.otaEnds.Add(1)
	return nil, nil
}

func (s *server) handleOtaAbortReq(ctx context.Context, r *OtaAbortReq) (*Status, error) {
	sn, ok := s.sessions.GetAndDel(r.Handle)
	if !ok {
		return nil, mwErr(http.StatusNotFound, "unknown update handle %d", r.Handle)
	}
	sn.dev.lock.Lock()
	defer sn.dev.lock.Unlock()
	sn.sess.Abort()
	return nil, nil
}

func (s *server) handleSetBootReq(ctx context.Context, r *SetBootReq) (*Status, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	o, err := d.ota()
	if err != nil {
		return nil, mapErr(err)
	}
	slot := r.Slot
	if r.Partition != "" {
		p, err := d.partition(r.Partition)
		if err != nil {
			return nil, mapErr(err)
		}
		var ok bool
		if slot, ok = p.IsOta(); !ok {
			return nil, mwErr(http.StatusBadRequest, "%s is not an update slot", p.Label)
		}
	}
	if err := o.SetBoot(slot); err != nil {
		return nil, mapErr(err)
	}
	s.stats.setBoots.Add(1)
	return nil, nil
}

func (s *server) handleNextUpdateReq(ctx context.Context, r *NextUpdateReq) (*NextUpdateResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	o, err := d.ota()
	if err != nil {
		return nil, mapErr(err)
	}
	p, err := o.NextUpdate()
	if err != nil {
		return nil, mapErr(err)
	}
	slot, _ := p.IsOta()
	return &NextUpdateResp{Slot: slot, Partition: partInfo(p)}, nil
}

func (s *server) handleStateReq(ctx context.Context, r *StateReq) (*StateResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	o, err := d.ota()
	if err != nil {
		return nil, mapErr(err)
	}
	res := &StateResp{}
	if p := o.Running(); p != nil {
		res.Running = p.Label
	}
	if p := o.Factory(); p != nil {
		res.Factory = p.Label
	}
	if p, err := o.Boot(); err == nil {
		res.Boot = p.Label
	}
	for slot, p := range o.Slots() {
		// without an otadata partition every slot reads as undefined
		st, err := o.State(slot)
		if err != nil && !common.IsNotFound(err) {
			return nil, mapErr(err)
		}
		res.Slots = append(res.Slots, SlotState{Slot: slot, Label: p.Label, State: st.String()})
	}
	return res, nil
}

func (s *server) handleMarkValidReq(ctx context.Context, r *MarkReq) (*Status, error) {
	return s.markRunning(r.Device, true)
}

func (s *server) handleMarkInvalidReq(ctx context.Context, r *MarkReq) (*Status, error) {
	return s.markRunning(r.Device, false)
}

func (s *server) markRunning(name string, valid bool) (*Status, error) {
	d, err := s.getDevice(name)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	o, err := d.ota()
	if err != nil {
		return nil, mapErr(err)
	}
	if valid {
		err = o.MarkValid()
	} else {
		err = o.MarkInvalid()
	}
	if err != nil {
		return nil, mapErrReq(err)
	}
	return nil, nil
}

func (s *server) handleRollbackOkReq(ctx context.Context, r *RollbackOkReq) (*RollbackOkResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	o, err := d.ota()
	if err != nil {
		return nil, mapErr(err)
	}
	ok, err := o.CheckRollback()
	if err != nil {
		return nil, mapErr(err)
	}
	return &RollbackOkResp{Ok: ok}, nil
}

func (s *server) handleAppDescReq(ctx context.Context, r *AppDescReq) (*AppDescResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	var p *ptable.Partition
	if r.Partition != "" {
		p, err = d.partition(r.Partition)
	} else {
		var o *ota.Ota
		if o, err = d.ota(); err == nil {
			p, err = o.Boot()
		}
	}
	if err != nil {
		return nil, mapErr(err)
	}
	region, err := p.Region(d.fl)
	if err != nil {
		return nil, mapErr(err)
	}
	desc, err := ota.ReadAppDesc(region)
	if err != nil {
		return nil, mapErrReq(err)
	}
	return &AppDescResp{
		Partition:     p.Label,
		SecureVersion: desc.SecureVersion,
		Version:       desc.Version,
		ProjectName:   desc.ProjectName,
		Time:          desc.Time,
		Date:          desc.Date,
		IdfVer:        desc.IdfVer,
		Sha256:        desc.Sha256.String(),
	}, nil
}
