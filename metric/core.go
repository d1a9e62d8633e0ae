package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the pipeline.
const Namespace = "vidpipe"

// Metrics contains the pipeline-level metrics shared by all stages.
type Metrics struct {
	// Stage metrics
	FramesProcessed    *prometheus.CounterVec
	FramesDiscarded    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	StageErrors        *prometheus.CounterVec
	StageState         *prometheus.GaugeVec

	// Channel metrics
	CreditWaits  *prometheus.CounterVec
	FanoutDrops  *prometheus.CounterVec
	Reconnects   *prometheus.CounterVec
	MessagesSent *prometheus.CounterVec

	// Lifecycle metrics
	PipelineState prometheus.Gauge
	ForcedKills   prometheus.Counter
	LiveProcesses prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FramesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "frames_total",
				Help:      "Frames processed and forwarded by a stage",
			},
			[]string{"stage"},
		),

		FramesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "frames_discarded_total",
				Help:      "Frames discarded by a stage (duplicate, out_of_order, malformed, after_eos)",
			},
			[]string{"stage", "reason"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "processing_seconds",
				Help:      "Time spent in the stage capability per frame",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"stage"},
		),

		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "errors_total",
				Help:      "Stage errors by class",
			},
			[]string{"stage", "type"},
		),

		StageState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "state",
				Help:      "Stage state (0=init, 1=running, 2=draining, 3=stopped)",
			},
			[]string{"stage"},
		),

		CreditWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "channel",
				Name:      "credit_waits_total",
				Help:      "Sends that blocked because the receiver's high-water mark was reached",
			},
			[]string{"channel"},
		),

		FanoutDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "channel",
				Name:      "fanout_drops_total",
				Help:      "Messages dropped for slow fan-out subscribers",
			},
			[]string{"channel"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "channel",
				Name:      "reconnects_total",
				Help:      "Connection attempts retried after a transport failure",
			},
			[]string{"channel"},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "channel",
				Name:      "messages_sent_total",
				Help:      "Messages written to a channel by kind",
			},
			[]string{"channel", "kind"},
		),

		PipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "state",
			Help:      "Pipeline state (0=active, 1=end_detected, 2=draining, 3=terminated)",
		}),

		ForcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "forced_kills_total",
			Help:      "Stages killed after missing the shutdown grace period",
		}),

		LiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "live_processes",
			Help:      "Stage processes currently alive",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesProcessed,
		m.FramesDiscarded,
		m.ProcessingDuration,
		m.StageErrors,
		m.StageState,
		m.CreditWaits,
		m.FanoutDrops,
		m.Reconnects,
		m.MessagesSent,
		m.PipelineState,
		m.ForcedKills,
		m.LiveProcesses,
	}
}
