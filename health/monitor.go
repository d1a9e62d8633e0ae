package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor holds the latest status of every stage. It is safe for
// concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	stages map[string]Status
	now    func() time.Time
}

// NewMonitor creates an empty Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		stages: make(map[string]Status),
		now:    time.Now,
	}
}

// Set records the level of a stage. Since only moves when the level changes.
func (m *Monitor) Set(name string, level Level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.stages[name]
	since := prev.Since
	if !ok || prev.Level != level {
		since = m.now()
	}
	m.stages[name] = Status{Name: name, Level: level, Message: message, Since: since}
}

func (m *Monitor) Healthy(name, message string) { m.Set(name, LevelHealthy, message) }
func (m *Monitor) Degraded(name, message string) { m.Set(name, LevelDegraded, message) }
func (m *Monitor) Unhealthy(name, message string) { m.Set(name, LevelUnhealthy, message) }

// Get returns the status of one stage
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stages[name]
	return st, ok
}

// Snapshot returns every stage status sorted by name
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.stages))
	for _, st := range m.stages {
		out = append(out, st)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aggregate folds the current snapshot under the given name
func (m *Monitor) Aggregate(name string) Status {
	return Aggregate(name, m.Snapshot())
}

// Count returns the number of stages seen so far
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stages)
}
