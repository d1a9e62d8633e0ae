// Package health tracks the health of pipeline stages and folds it into the
// single status served on /health.
package health

import (
	"fmt"
	"time"
)

// Level is the coarse health of a stage. Levels are ordered: a higher
// level is worse.
type Level int

// Health levels
const (
	LevelHealthy Level = iota
	LevelDegraded
	LevelUnhealthy
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelDegraded:
		return "degraded"
	case LevelUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*l = LevelHealthy
	case "degraded":
		*l = LevelDegraded
	case "unhealthy":
		*l = LevelUnhealthy
	default:
		return fmt.Errorf("unknown health level %q", text)
	}
	return nil
}

// Status is the health of one stage, or of the pipeline when Stages is set.
type Status struct {
	Name    string    `json:"name"`
	Level   Level     `json:"status"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"` // when Level last changed
	Stages  []Status  `json:"stages,omitempty"`
}

// Healthy reports whether the level is LevelHealthy.
func (s Status) Healthy() bool { return s.Level == LevelHealthy }

// Unhealthy reports whether the level is LevelUnhealthy.
func (s Status) Unhealthy() bool { return s.Level == LevelUnhealthy }

// Aggregate folds stage statuses into one named status carrying the worst
// level. No stages at all is healthy.
func Aggregate(name string, stages []Status) Status {
	agg := Status{Name: name, Level: LevelHealthy, Since: time.Now()}
	var worst []string
	for _, st := range stages {
		switch {
		case st.Level > agg.Level:
			agg.Level = st.Level
			worst = []string{st.Name}
		case st.Level == agg.Level && st.Level != LevelHealthy:
			worst = append(worst, st.Name)
		}
	}

	switch {
	case len(stages) == 0:
		agg.Message = "no stages"
	case agg.Level == LevelHealthy:
		agg.Message = fmt.Sprintf("%d stages healthy", len(stages))
	default:
		agg.Message = fmt.Sprintf("%s: %v", agg.Level, worst)
	}
	if len(stages) > 0 {
		agg.Stages = append([]Status(nil), stages...)
	}
	return agg
}
