package daemon

import (
	"context"
	"net/http"

	"github.com/dnr/flint/ptable"
)

func partInfo(p *ptable.Partition) PartInfo {
	return PartInfo{
		Type:        p.Type,
		SubType:     p.SubType,
		Offset:      p.Offset,
		Size:        p.Size,
		Label:       p.Label,
		Encrypted:   p.Encrypted,
		ReadOnly:    p.ReadOnly,
		TypeName:    ptable.TypeName(p.Type),
		SubTypeName: ptable.SubTypeName(p.Type, p.SubType),
	}
}

func tableResp(tab *ptable.Table) *TableResp {
	res := &TableResp{Csv: string(tab.MarshalCSV())}
	for i := range tab.Parts {
		res.Parts = append(res.Parts, partInfo(&tab.Parts[i]))
	}
	return res
}

func (s *server) handleInfoReq(ctx context.Context, r *InfoReq) (*PartInfo, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	p, err := d.partition(r.Partition)
	if err != nil {
		return nil, mapErr(err)
	}
	info := partInfo(p)
	return &info, nil
}

func (s *server) handleTableReq(ctx context.Context, r *TableReq) (*TableResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	if d.tab == nil {
		return nil, mwErr(http.StatusNotFound, "device %q has no partition table", r.Device)
	}
	return tableResp(d.tab), nil
}

func (s *server) handleReadReq(ctx context.Context, r *ReadReq) (*ReadResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	if r.Length <= 0 || r.Length > maxPayload {
		return nil, mwErr(http.StatusBadRequest, "read length must be in 1..%d", maxPayload)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	bd, err := d.blockDevice(r.Partition)
	if err != nil {
		return nil, mapErr(err)
	}
	buf := make([]byte, r.Length)
	if r.Off != nil {
		err = bd.ReadBlocksAt(r.Block, buf, *r.Off)
	} else if r.Length%int64(bd.BlockSize()) != 0 {
		return nil, mwErr(http.StatusBadRequest, "read length must be a multiple of the block size %d", bd.BlockSize())
	} else {
		err = bd.ReadBlocks(r.Block, buf)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	s.stats.blockReads.Add(1)
	s.stats.blockReadBytes.Add(r.Length)
	return &ReadResp{Data: buf}, nil
}

func (s *server) handleWriteReq(ctx context.Context, r *WriteReq) (*Status, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	data, done, err := s.payload(r.Data, r.Zstd)
	if err != nil {
		return nil, err
	}
	defer done()
	d.lock.Lock()
	defer d.lock.Unlock()
	bd, err := d.blockDevice(r.Partition)
	if err != nil {
		return nil, mapErr(err)
	}
	if r.Off != nil {
		err = bd.WriteBlocksAt(r.Block, data, *r.Off)
	} else {
		err = bd.WriteBlocks(r.Block, data)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	s.stats.blockWrites.Add(1)
	s.stats.blockWriteBytes.Add(int64(len(data)))
	return nil, nil
}

func (s *server) handleEraseReq(ctx context.Context, r *EraseReq) (*Status, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	bd, err := d.blockDevice(r.Partition)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := bd.EraseBlock(r.Block); err != nil {
		return nil, mapErr(err)
	}
	s.stats.blockErases.Add(1)
	return nil, nil
}

func (s *server) handleDevCtlReq(ctx context.Context, r *DevCtlReq) (*DevCtlResp, error) {
	d, err := s.getDevice(r.Device)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	bd, err := d.blockDevice(r.Partition)
	if err != nil {
		return nil, mapErr(err)
	}
	res := &DevCtlResp{}
	switch r.Op {
	case CtlInit:
		err = bd.Init()
	case CtlDeinit:
		err = bd.Deinit()
	case CtlSync:
		// the block layer has nothing to flush, but the mapped image does
		err = d.fl.Sync()
	case CtlCount:
		res.Value = bd.BlockCount()
	case CtlSize:
		res.Value = int64(bd.BlockSize())
	default:
		return nil, mwErr(http.StatusBadRequest, "unknown devctl op %q", r.Op)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}
