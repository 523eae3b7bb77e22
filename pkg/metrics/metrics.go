// Package metrics provides the statistics handle for the metadata core.
//
// Counters and timings are kept in a Metrics value that is created once and
// passed explicitly to every component. A nil *Metrics is valid and records
// nothing, so components can be built and tested without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Prometheus Metrics for the Metadata Core
// ============================================================================

// Label constants for metrics.
const (
	LabelComponent = "component"
	LabelOp        = "op"
	LabelStatus    = "status"
	LabelDirection = "direction"
	LabelCPU       = "cpu"
)

// Component names.
const (
	ComponentMeta    = "meta"
	ComponentLinix   = "linix"
	ComponentJournal = "journal"
	ComponentAttrLog = "attrlog"
	ComponentAlloc   = "alloc"
	ComponentFS      = "pmfs"
)

// Status constants for operations.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics provides Prometheus metrics for headers, index, journal and
// attribute log operations.
type Metrics struct {
	// Per-operation counters and timings
	opsTotal    *prometheus.CounterVec
	opsDuration *prometheus.HistogramVec

	// Journal
	slotWaits        prometheus.Counter
	slotWaitDuration prometheus.Histogram
	txInFlight       prometheus.Gauge
	txRecovered      prometheus.Counter

	// Attribute log
	evictions *prometheus.CounterVec

	// Linear index
	indexResizes *prometheus.CounterVec

	// Allocator
	blocksValid   *prometheus.GaugeVec
	blocksInvalid *prometheus.GaugeVec

	// Corruption
	consistencyViolations *prometheus.CounterVec
}

// NewMetrics creates and registers core metrics.
// If registry is nil, metrics will be created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "core",
				Name:      "operations_total",
				Help:      "Total number of core operations by component, operation and status",
			},
			[]string{LabelComponent, LabelOp, LabelStatus},
		),

		opsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pmeta",
				Subsystem: "core",
				Name:      "operation_duration_seconds",
				Help:      "Duration of core operations",
				Buckets:   []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 1e-3, 1e-2},
			},
			[]string{LabelComponent, LabelOp},
		),

		slotWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "journal",
				Name:      "slot_waits_total",
				Help:      "Number of times a transaction waited for a free journal slot",
			},
		),

		slotWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pmeta",
				Subsystem: "journal",
				Name:      "slot_wait_duration_seconds",
				Help:      "Time spent waiting for a free journal slot",
				Buckets:   []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1},
			},
		),

		txInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pmeta",
				Subsystem: "journal",
				Name:      "transactions_in_flight",
				Help:      "Number of journal slots currently holding an open transaction",
			},
		),

		txRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "journal",
				Name:      "recovered_transactions_total",
				Help:      "Number of in-doubt transactions replayed at open",
			},
		),

		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "attrlog",
				Name:      "evictions_total",
				Help:      "Attribute log bucket evictions by outcome",
			},
			[]string{LabelStatus},
		),

		indexResizes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "linix",
				Name:      "resizes_total",
				Help:      "Linear index capacity changes by direction",
			},
			[]string{LabelDirection},
		),

		blocksValid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmeta",
				Subsystem: "alloc",
				Name:      "valid_blocks",
				Help:      "Blocks holding a valid header per layout",
			},
			[]string{LabelCPU},
		),

		blocksInvalid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmeta",
				Subsystem: "alloc",
				Name:      "invalidated_blocks",
				Help:      "Blocks invalidated and returned to the gap tree per layout",
			},
			[]string{LabelCPU},
		),

		consistencyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmeta",
				Subsystem: "core",
				Name:      "consistency_violations_total",
				Help:      "On-media consistency violations detected by component",
			},
			[]string{LabelComponent},
		),
	}

	// Register with registry if provided
	if registry != nil {
		registry.MustRegister(
			m.opsTotal,
			m.opsDuration,
			m.slotWaits,
			m.slotWaitDuration,
			m.txInFlight,
			m.txRecovered,
			m.evictions,
			m.indexResizes,
			m.blocksValid,
			m.blocksInvalid,
			m.consistencyViolations,
		)
	}

	return m
}

// ObserveOp records one operation of a component.
func (m *Metrics) ObserveOp(component, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.opsTotal.WithLabelValues(component, op, status).Inc()
	m.opsDuration.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
}

// ObserveSlotWait records a transaction that had to wait for a journal slot.
func (m *Metrics) ObserveSlotWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.slotWaits.Inc()
	m.slotWaitDuration.Observe(duration.Seconds())
}

// AddInFlight adjusts the number of open transactions.
func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.txInFlight.Add(delta)
}

// ObserveRecovered records in-doubt transactions replayed during recovery.
func (m *Metrics) ObserveRecovered(count int) {
	if m == nil {
		return
	}
	m.txRecovered.Add(float64(count))
}

// ObserveEviction records an attribute-log eviction.
func (m *Metrics) ObserveEviction(err error) {
	if m == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.evictions.WithLabelValues(status).Inc()
}

// ObserveResize records a linear index growing ("grow") or shrinking ("shrink").
func (m *Metrics) ObserveResize(direction string) {
	if m == nil {
		return
	}
	m.indexResizes.WithLabelValues(direction).Inc()
}

// SetLayoutBlocks publishes the valid/invalidated indicators of one layout.
func (m *Metrics) SetLayoutBlocks(cpu string, valid, invalidated float64) {
	if m == nil {
		return
	}
	m.blocksValid.WithLabelValues(cpu).Set(valid)
	m.blocksInvalid.WithLabelValues(cpu).Set(invalidated)
}

// ObserveConsistencyViolation records detected on-media corruption.
func (m *Metrics) ObserveConsistencyViolation(component string) {
	if m == nil {
		return
	}
	m.consistencyViolations.WithLabelValues(component).Inc()
}

// Reset clears every labelled series. Unlabelled counters are monotonic by
// contract and keep their values.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.opsTotal.Reset()
	m.opsDuration.Reset()
	m.evictions.Reset()
	m.indexResizes.Reset()
	m.blocksValid.Reset()
	m.blocksInvalid.Reset()
	m.consistencyViolations.Reset()
}
