package camstream

import (
	"sync/atomic"

	"github.com/lanikai/camstream/internal/bufpool"
)

// Stats is a snapshot of stream activity since creation.
type Stats struct {
	Delivered uint64 // Buffers handed back by the driver, including flushed ones
	Published uint64 // Frames installed as the latest frame
	Dropped   uint64 // Frames replaced before the consumer saw them
	Consumed  uint64 // Frames checked out by the consumer
	Flushed   uint64 // Zero-length buffers (end of stream or disable)
	Malformed uint64 // Buffers the driver claimed to overfill
	Rejected  uint64 // Frames that arrived after stop

	Stalls         uint64
	Faults         uint64
	SubmitFailures uint64

	Buffers bufpool.Counts
}

func (s *Stream) Stats() Stats {
	ss := s.slot.Stats()
	return Stats{
		Delivered:      atomic.LoadUint64(&s.counters.delivered),
		Published:      ss.Published,
		Dropped:        ss.Dropped,
		Consumed:       ss.Consumed,
		Flushed:        atomic.LoadUint64(&s.counters.flushed),
		Malformed:      atomic.LoadUint64(&s.counters.malformed),
		Rejected:       atomic.LoadUint64(&s.counters.rejected),
		Stalls:         atomic.LoadUint64(&s.counters.stalls),
		Faults:         atomic.LoadUint64(&s.counters.faults),
		SubmitFailures: atomic.LoadUint64(&s.counters.submitFailures),
		Buffers:        s.pool.Counts(),
	}
}
