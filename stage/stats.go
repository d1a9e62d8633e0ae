package stage

import (
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// statsWindow is the number of recent frames averages are computed over.
const statsWindow = 120

// Stats tracks frame counts, processing time and throughput of a stage.
// It is safe for concurrent use.
type Stats struct {
	mu         sync.Mutex
	frames     uint64
	detections uint64
	discarded  uint64
	durations  []float64   // recent processing times in ms
	times      []time.Time // recent completion times
	next       int
	started    time.Time
	now        func() time.Time
}

// StatsSnapshot is a point-in-time view of Stats.
type StatsSnapshot struct {
	Frames          uint64  `json:"frames"`
	Detections      uint64  `json:"detections"`
	Discarded       uint64  `json:"discarded"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	P95ProcessingMS float64 `json:"p95_processing_ms"`
	FPS             float64 `json:"fps"`
	Uptime          float64 `json:"uptime_seconds"`
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return newStatsWithClock(time.Now)
}

func newStatsWithClock(now func() time.Time) *Stats {
	return &Stats{
		durations: make([]float64, 0, statsWindow),
		times:     make([]time.Time, 0, statsWindow),
		started:   now(),
		now:       now,
	}
}

// Record counts one processed frame.
func (s *Stats) Record(d time.Duration, detections int) {
	ms := float64(d) / float64(time.Millisecond)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.detections += uint64(detections)
	if len(s.durations) < statsWindow {
		s.durations = append(s.durations, ms)
		s.times = append(s.times, now)
		return
	}
	s.durations[s.next] = ms
	s.times[s.next] = now
	s.next = (s.next + 1) % statsWindow
}

// Discard counts one dropped frame.
func (s *Stats) Discard() {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
}

// Snapshot computes the current statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Frames:     s.frames,
		Detections: s.detections,
		Discarded:  s.discarded,
		Uptime:     s.now().Sub(s.started).Seconds(),
	}
	if len(s.durations) == 0 {
		return snap
	}

	snap.AvgProcessingMS = stat.Mean(s.durations, nil)
	sorted := slices.Clone(s.durations)
	slices.Sort(sorted)
	snap.P95ProcessingMS = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	if len(s.times) > 1 {
		first, last := s.times[0], s.times[0]
		for _, t := range s.times[1:] {
			if t.Before(first) {
				first = t
			}
			if t.After(last) {
				last = t
			}
		}
		if span := last.Sub(first).Seconds(); span > 0 {
			snap.FPS = float64(len(s.times)-1) / span
		}
	}
	return snap
}
