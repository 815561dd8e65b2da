package config

import (
	"github.com/marmos91/shfs/pkg/metrics"
)

// InitializeMetrics enables the global Prometheus registry and creates the
// HTTP server when metrics are enabled.
//
// It must run before CreateDevice and SessionOptions so their constructors
// see the registry. Returns nil when metrics are disabled.
func InitializeMetrics(cfg *Config) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	metrics.InitRegistry()

	return metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})
}
