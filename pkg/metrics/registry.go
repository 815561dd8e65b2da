// Package metrics provides Prometheus metrics collection for SHFS sessions
// and block devices.
//
// All metrics are optional - if not initialized, constructors return nil and
// components fall back to their no-op implementations.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	session := shfs.New("disk0", dev, shfs.Options{Metrics: metrics.NewSessionMetrics("disk0")})
//	dev = blockdev.Instrument(dev, metrics.NewDeviceMetrics("badger"))
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all SHFS metrics.
	// Protected by registryOnce for write-once, read-many pattern.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return nil.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// statusLabel maps an operation result to the status label value.
func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
