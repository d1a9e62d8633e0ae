package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epeer1/axon-vision-ha/metric"
)

// bufferMetrics exports queue activity for one buffer, labelled by queue name.
type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	depth       prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"queue": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "queue", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Items written to the queue"),
		reads:       counter("reads_total", "Items read from the queue"),
		drops:       counter("drops_total", "Items discarded by the overflow policy"),
		depth:       gauge("depth", "Items currently queued"),
		utilization: gauge("utilization", "Queue depth as a fraction of capacity"),
	}

	for name, c := range map[string]prometheus.Counter{
		"queue_writes": m.writes, "queue_reads": m.reads, "queue_drops": m.drops,
	} {
		if err := registry.Register(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(prefix, "queue_depth", m.depth); err != nil {
		return nil, err
	}
	if err := registry.Register(prefix, "queue_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.setDepth(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.setDepth(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) setDepth(size, capacity int) {
	m.depth.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
