package daemon

import "sync/atomic"

type (
	daemonStats struct {
		attaches        atomic.Int64 // successful attaches (including restores)
		attachErrs      atomic.Int64 // attaches that got an error
		blockReads      atomic.Int64 // block read requests
		blockReadBytes  atomic.Int64 // bytes returned by block reads
		blockWrites     atomic.Int64 // block write requests
		blockWriteBytes atomic.Int64 // bytes written (after decompression)
		blockErases     atomic.Int64 // single block erase requests
		otaBegins       atomic.Int64 // update sessions opened
		otaWrites       atomic.Int64 // update write requests
		otaWriteBytes   atomic.Int64 // update bytes written (after decompression)
		otaEnds         atomic.Int64 // update sessions finished ok
		otaErrs         atomic.Int64 // update sessions that failed validation
		setBoots        atomic.Int64 // boot slot switches
	}

	Stats struct {
		Attaches        int64 // successful attaches (including restores)
		AttachErrs      int64 // attaches that got an error
		BlockReads      int64 // block read requests
		BlockReadBytes  int64 // bytes returned by block reads
		BlockWrites     int64 // block write requests
		BlockWriteBytes int64 // bytes written (after decompression)
		BlockErases     int64 // single block erase requests
		OtaBegins       int64 // update sessions opened
		OtaWrites       int64 // update write requests
		OtaWriteBytes   int64 // update bytes written (after decompression)
		OtaEnds         int64 // update sessions finished ok
		OtaErrs         int64 // update sessions that failed validation
		SetBoots        int64 // boot slot switches
	}
)

func (s *daemonStats) export() Stats {
	return Stats{
		Attaches:        s.attaches.Load(),
		AttachErrs:      s.attachErrs.Load(),
		BlockReads:      s.blockReads.Load(),
		BlockReadBytes:  s.blockReadBytes.Load(),
		BlockWrites:     s.blockWrites.Load(),
		BlockWriteBytes: s.blockWriteBytes.Load(),
		BlockErases:     s.blockErases.Load(),
		OtaBegins:       s.otaBegins.Load(),
		OtaWrites:       s.otaWrites.Load(),
		OtaWriteBytes:   s.otaWriteBytes.Load(),
		OtaEnds:         s.otaEnds.Load(),
		OtaErrs:         s.otaErrs.Load(),
		SetBoots:        s.setBoots.Load(),
	}
}

func (a Stats) Sub(b Stats) Stats {
	return Stats{
		Attaches:        a.Attaches - b.Attaches,
		AttachErrs:      a.AttachErrs - b.AttachErrs,
		BlockReads:      a.BlockReads - b.BlockReads,
		BlockReadBytes:  a.BlockReadBytes - b.BlockReadBytes,
		BlockWrites:     a.BlockWrites - b.BlockWrites,
		BlockWriteBytes: a.BlockWriteBytes - b.BlockWriteBytes,
		BlockErases:     a.BlockErases - b.BlockErases,
		OtaBegins:       a.OtaBegins - b.OtaBegins,
		OtaWrites:       a.OtaWrites - b.OtaWrites,
		OtaWriteBytes:   a.OtaWriteBytes - b.OtaWriteBytes,
		OtaEnds:         a.OtaEnds - b.OtaEnds,
		OtaErrs:         a.OtaErrs - b.OtaErrs,
		SetBoots:        a.SetBoots - b.SetBoots,
	}
}

func (a Stats) TotalBytes() int64 {
	return a.BlockReadBytes + a.BlockWriteBytes + a.OtaWriteBytes
}
