package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marmos91/pmeta/pkg/metrics"
)

// MetricsResult holds what InitializeMetrics built. Both fields are nil when
// metrics are disabled; a nil *metrics.Metrics is a valid no-op handle.
type MetricsResult struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// InitializeMetrics builds a fresh registry with the Go runtime and process
// collectors plus the pmeta collectors, when cfg.Metrics.Enabled is set.
func InitializeMetrics(cfg *Config) MetricsResult {
	if !cfg.Metrics.Enabled {
		return MetricsResult{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return MetricsResult{
		Registry: reg,
		Metrics:  metrics.NewMetrics(reg),
	}
}
