package metrics

import (
	"sync"
	"time"

	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sessionCollectors are shared by every partition; the partition is a label.
type sessionCollectors struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsByKind      *prometheus.CounterVec
	freeBytes         *prometheus.GaugeVec
	indexOverflows    *prometheus.CounterVec
	scrubRepairs      *prometheus.CounterVec
}

var (
	sessionOnce sync.Once
	sessionColl *sessionCollectors
)

func getSessionCollectors(reg prometheus.Registerer) *sessionCollectors {
	sessionOnce.Do(func() {
		sessionColl = &sessionCollectors{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_operations_total",
					Help: "Total number of engine operations by partition, operation and status",
				},
				[]string{"partition", "operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "shfs_operation_duration_seconds",
					Help: "Duration of engine operations in seconds",
					Buckets: []float64{
						0.0001, // 100us
						0.0005, // 500us
						0.001,  // 1ms
						0.005,  // 5ms
						0.01,   // 10ms
						0.05,   // 50ms
						0.1,    // 100ms
						0.5,    // 500ms
						1.0,    // 1s
						5.0,    // 5s
					},
				},
				[]string{"partition", "operation"},
			),
			errorsByKind: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_errors_total",
					Help: "Total number of failed engine operations by error kind",
				},
				[]string{"partition", "kind"},
			),
			freeBytes: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "shfs_free_bytes",
					Help: "Free bytes derived from the piece bitmap",
				},
				[]string{"partition"},
			),
			indexOverflows: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_index_overflows_total",
					Help: "Total number of entries left unindexed by bucket overflow",
				},
				[]string{"partition"},
			),
			scrubRepairs: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_scrub_repairs_total",
					Help: "Total number of pieces repaired by scrub, by repair type",
				},
				[]string{"partition", "type"}, // leaked or missing
			),
		}
	})
	return sessionColl
}

// sessionMetrics is the Prometheus implementation of shfs.Metrics for one
// partition.
type sessionMetrics struct {
	partition string
	c         *sessionCollectors
}

// NewSessionMetrics creates a Prometheus-backed shfs.Metrics for partition.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the session to use its built-in no-op implementation.
func NewSessionMetrics(partition string) shfs.Metrics {
	if !IsEnabled() {
		return nil
	}
	return &sessionMetrics{
		partition: partition,
		c:         getSessionCollectors(GetRegistry()),
	}
}

func (m *sessionMetrics) ObserveOperation(op string, d time.Duration, err error) {
	m.c.operationsTotal.WithLabelValues(m.partition, op, statusLabel(err)).Inc()
	m.c.operationDuration.WithLabelValues(m.partition, op).Observe(d.Seconds())
	if err != nil {
		m.c.errorsByKind.WithLabelValues(m.partition, shfs.KindOf(err).String()).Inc()
	}
}

func (m *sessionMetrics) SetFreeBytes(n uint64) {
	m.c.freeBytes.WithLabelValues(m.partition).Set(float64(n))
}

func (m *sessionMetrics) RecordIndexOverflow() {
	m.c.indexOverflows.WithLabelValues(m.partition).Inc()
}

func (m *sessionMetrics) RecordScrub(leaked, missing int) {
	m.c.scrubRepairs.WithLabelValues(m.partition, "leaked").Add(float64(leaked))
	m.c.scrubRepairs.WithLabelValues(m.partition, "missing").Add(float64(missing))
}
