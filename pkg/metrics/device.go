package metrics

import (
	"sync"
	"time"

	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type deviceCollectors struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

var (
	deviceOnce sync.Once
	deviceColl *deviceCollectors
)

func getDeviceCollectors(reg prometheus.Registerer) *deviceCollectors {
	deviceOnce.Do(func() {
		deviceColl = &deviceCollectors{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_device_operations_total",
					Help: "Total number of block device operations by backend, operation and status",
				},
				[]string{"backend", "operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "shfs_device_operation_duration_seconds",
					Help: "Duration of block device operations in seconds",
					Buckets: []float64{
						0.0001, // 100us
						0.001,  // 1ms
						0.01,   // 10ms
						0.05,   // 50ms
						0.1,    // 100ms
						0.5,    // 500ms
						1.0,    // 1s
						5.0,    // 5s
					},
				},
				[]string{"backend", "operation"},
			),
			bytesTransferred: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "shfs_device_bytes_total",
					Help: "Total bytes read from or written to block devices",
				},
				[]string{"backend", "operation"},
			),
		}
	})
	return deviceColl
}

type deviceMetrics struct {
	backend string
	c       *deviceCollectors
}

// NewDeviceMetrics creates a Prometheus-backed blockdev.Metrics for backend.
//
// Returns nil if metrics are not enabled, in which case blockdev.Instrument
// returns the device unwrapped.
func NewDeviceMetrics(backend string) blockdev.Metrics {
	if !IsEnabled() {
		return nil
	}
	return &deviceMetrics{
		backend: backend,
		c:       getDeviceCollectors(GetRegistry()),
	}
}

func (m *deviceMetrics) ObserveIO(op string, bytes int, d time.Duration, err error) {
	m.c.operationsTotal.WithLabelValues(m.backend, op, statusLabel(err)).Inc()
	m.c.operationDuration.WithLabelValues(m.backend, op).Observe(d.Seconds())
	if err == nil && bytes > 0 {
		m.c.bytesTransferred.WithLabelValues(m.backend, op).Add(float64(bytes))
	}
}
