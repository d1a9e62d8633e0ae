package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Snapshot(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newStatsWithClock(func() time.Time { return now })

	assert.Equal(t, StatsSnapshot{}, s.Snapshot())

	for i := 1; i <= 10; i++ {
		now = now.Add(100 * time.Millisecond)
		s.Record(time.Duration(i)*time.Millisecond, i%2)
	}
	s.Discard()

	snap := s.Snapshot()
	assert.Equal(t, uint64(10), snap.Frames)
	assert.Equal(t, uint64(5), snap.Detections)
	assert.Equal(t, uint64(1), snap.Discarded)
	assert.InDelta(t, 5.5, snap.AvgProcessingMS, 1e-9)
	assert.InDelta(t, 10.0, snap.P95ProcessingMS, 1e-9)
	assert.InDelta(t, 10.0, snap.FPS, 1e-9)
	assert.InDelta(t, 1.0, snap.Uptime, 1e-9)
}

func TestStats_Window(t *testing.T) {
	now := time.Unix(0, 0)
	s := newStatsWithClock(func() time.Time { return now })

	for i := 0; i < statsWindow; i++ {
		now = now.Add(time.Second)
		s.Record(time.Millisecond, 0)
	}
	for i := 0; i < statsWindow; i++ {
		now = now.Add(time.Second)
		s.Record(3*time.Millisecond, 0)
	}

	snap := s.Snapshot()
	assert.Equal(t, uint64(2*statsWindow), snap.Frames)
	assert.InDelta(t, 3.0, snap.AvgProcessingMS, 1e-9)
	assert.InDelta(t, 1.0, snap.FPS, 1e-9)
}
