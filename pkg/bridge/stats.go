package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks process-wide counters. The hot-path counters are atomics so
// the parser, publisher, and reporter never contend; the maps are guarded by
// a mutex since they are touched only on connect events and the 5-minute
// reporter tick.
type Stats struct {
	StartTime time.Time

	PacketsRX       atomic.Int64
	PacketsTX       atomic.Int64
	BytesProcessed  atomic.Int64
	PublishFailures atomic.Int64

	mu         sync.Mutex
	reconnects map[int][]time.Time    // broker index -> disconnect timestamps
	device     map[string]interface{} // latest device stats from serial
	devicePrev map[string]interface{} // previous reading, for delta calculation
}

// NewStats returns a Stats record with the start time set to now.
func NewStats() *Stats {
	return &Stats{
		StartTime:  time.Now(),
		reconnects: make(map[int][]time.Time),
	}
}

// RecordReconnect appends a disconnect timestamp to the broker's 24-hour
// rolling history.
func (s *Stats) RecordReconnect(brokerIdx int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects[brokerIdx] = append(s.reconnects[brokerIdx], at)
}

// PruneReconnects drops timestamps older than cutoff and returns the
// remaining per-broker counts.
func (s *Stats) PruneReconnects(cutoff time.Time) map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[int]int)
	for idx, stamps := range s.reconnects {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		s.reconnects[idx] = kept
		if len(kept) > 0 {
			counts[idx] = len(kept)
		}
	}
	return counts
}

// Device returns a copy of the latest device stats, or nil when none have
// been collected.
func (s *Stats) Device() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.device)
}

// DevicePrev returns a copy of the previous device stats reading.
func (s *Stats) DevicePrev() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.devicePrev)
}

// SetDevice stores a fresh device stats reading.
func (s *Stats) SetDevice(stats map[string]interface{}) {
	if len(stats) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = copyMap(stats)
}

// RotateDevice saves the current reading as the previous one, for the next
// interval's delta calculation.
func (s *Stats) RotateDevice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.devicePrev = copyMap(s.device)
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
