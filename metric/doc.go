// Package metric provides the Prometheus registry and HTTP endpoint shared by
// every pipeline process.
//
// NewMetricsRegistry registers the core pipeline metrics (frames, processing
// latency, stage and pipeline state, channel backpressure and fan-out drops,
// forced kills) plus Go runtime collectors. Packages add their own metrics
// through Register; each collector is keyed by "owner.name" and registering
// the same key twice fails.
//
// Server serves /metrics in OpenMetrics format and /health as the aggregated
// health.Monitor status:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry, monitor)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(5 * time.Second)
package metric
