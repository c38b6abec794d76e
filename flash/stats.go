package flash

import "sync/atomic"

type (
	devStats struct {
		reads       atomic.Int64 // read calls
		readBytes   atomic.Int64 // bytes read
		writes      atomic.Int64 // write calls
		writeBytes  atomic.Int64 // bytes written
		erases      atomic.Int64 // erase calls
		eraseBlocks atomic.Int64 // native blocks erased
	}

	Stats struct {
		Reads       int64 // read calls
		ReadBytes   int64 // bytes read
		Writes      int64 // write calls
		WriteBytes  int64 // bytes written
		Erases      int64 // erase calls
		EraseBlocks int64 // native blocks erased
	}
)

func (s *devStats) countRead(n int) {
	s.reads.Add(1)
	s.readBytes.Add(int64(n))
}

func (s *devStats) countWrite(n int) {
	s.writes.Add(1)
	s.writeBytes.Add(int64(n))
}

func (s *devStats) countErase(size int64) {
	s.erases.Add(1)
	s.eraseBlocks.Add(size >> NativeBlockShift)
}

func (s *devStats) export() Stats {
	return Stats{
		Reads:       s.reads.Load(),
		ReadBytes:   s.readBytes.Load(),
		Writes:      s.writes.Load(),
		WriteBytes:  s.writeBytes.Load(),
		Erases:      s.erases.Load(),
		EraseBlocks: s.eraseBlocks.Load(),
	}
}

func (a Stats) Sub(b Stats) Stats {
	return Stats{
		Reads:       a.Reads - b.Reads,
		ReadBytes:   a.ReadBytes - b.ReadBytes,
		Writes:      a.Writes - b.Writes,
		WriteBytes:  a.WriteBytes - b.WriteBytes,
		Erases:      a.Erases - b.Erases,
		EraseBlocks: a.EraseBlocks - b.EraseBlocks,
	}
}
