package daemon

import (
	"context"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/flash"
)

type (
	DebugReq struct {
		IncludeTables bool
	}

	DebugDevice struct {
		Record DeviceRecord
		// live state, only set while the device is attached
		Flash       *flash.Stats `json:",omitempty"`
		CleanBlocks int64
		Sessions    []uint64   `json:",omitempty"`
		Table       *TableResp `json:",omitempty"`
	}

	DebugResp struct {
		DbStats bbolt.Stats
		Stats   Stats
		Devices map[string]DebugDevice
	}
)

func (s *server) handleDebugReq(ctx context.Context, r *DebugReq) (*DebugResp, error) {
	res := &DebugResp{
		DbStats: s.db.Stats(),
		Stats:   s.stats.export(),
		Devices: make(map[string]DebugDevice),
	}

	sessions := make(map[*device][]uint64)
	for _, sn := range s.sessions.Values() {
		sessions[sn.dev] = append(sessions[sn.dev], sn.handle)
	}

	err := s.forEachRecord(func(rec *DeviceRecord) {
		dd := DebugDevice{Record: *rec}
		if d, ok := s.devs.Get(rec.Name); ok {
			st := d.fl.Stats()
			dd.Flash = &st
			dd.CleanBlocks = d.fl.CleanBlocks()
			if hs := sessions[d]; len(hs) > 0 {
				slices.Sort(hs)
				dd.Sessions = hs
			}
			if r.IncludeTables && d.tab != nil {
				dd.Table = tableResp(d.tab)
			}
		}
		res.Devices[rec.Name] = dd
	})
	return common.ValOrErr(res, err)
}
