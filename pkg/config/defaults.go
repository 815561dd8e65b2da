package config

import (
	"strings"

	"github.com/marmos91/shfs/pkg/metrics"
	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Backend option defaults are filled in so a generated config file shows
// every section.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDeviceDefaults(&cfg.Device)
	applyFormatDefaults(&cfg.Format)
	applyMountDefaults(&cfg.Mount)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDeviceDefaults sets device defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	setDefault(cfg.Memory, "size", "64MiB")
	setDefault(cfg.File, "path", "shfs.img")
	setDefault(cfg.File, "size", "64MiB")
	setDefault(cfg.Badger, "db_path", "shfs-badger")
	setDefault(cfg.Badger, "size", "64MiB")
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

// applyFormatDefaults sets partition geometry defaults.
func applyFormatDefaults(cfg *FormatConfig) {
	if cfg.Name == "" {
		cfg.Name = "shfs"
	}
	if cfg.PieceSizeMiB == 0 {
		cfg.PieceSizeMiB = shfs.DefaultPieceSizeMiB
	}
	if cfg.KeyLength == 0 {
		cfg.KeyLength = nameindex.DefaultKeyLength
	}
	if cfg.BucketCapacity == 0 {
		cfg.BucketCapacity = shfs.DefaultBucketCapacity
	}
	// PieceCount and BucketCount stay 0: derived from the device at format.
}

// applyMountDefaults sets session defaults.
func applyMountDefaults(cfg *MountConfig) {
	if cfg.IndexOverflow == "" {
		cfg.IndexOverflow = string(tree.OverflowDegrade)
	}
	cfg.IndexOverflow = strings.ToLower(cfg.IndexOverflow)

	if cfg.MaxNameLen == 0 {
		cfg.MaxNameLen = tree.DefaultMaxNameLen
	}
	if cfg.MaxPathLen == 0 {
		cfg.MaxPathLen = tree.DefaultMaxPathLen
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// FormatOptions converts the format section for shfs.Format.
func (c *Config) FormatOptions() shfs.FormatOptions {
	return shfs.FormatOptions{
		Name:           c.Format.Name,
		PieceSizeMiB:   c.Format.PieceSizeMiB,
		PieceCount:     c.Format.PieceCount,
		KeyLength:      c.Format.KeyLength,
		BucketCount:    c.Format.BucketCount,
		BucketCapacity: c.Format.BucketCapacity,
	}
}

// SessionOptions converts the mount section for shfs.New. Session metrics
// labelled with partition are attached when the global registry is enabled.
func (c *Config) SessionOptions(partition string) shfs.Options {
	return shfs.Options{
		ScrubOnMount: c.Mount.ScrubOnMount,
		Tree: tree.Options{
			MaxNameLen: c.Mount.MaxNameLen,
			MaxPathLen: c.Mount.MaxPathLen,
			Overflow:   tree.OverflowPolicy(c.Mount.IndexOverflow),
		},
		Metrics: metrics.NewSessionMetrics(partition),
	}
}
