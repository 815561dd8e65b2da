package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHFS_LOGGING_LEVEL.
const EnvPrefix = "SHFS"

// Config represents the complete SHFS configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SHFS_*), including a .env file next to the
//     config file
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Device Configuration Pattern:
// Each backend defines its own options, kept as an untyped map under the
// backend's name. Only the section matching device.type is decoded, by
// CreateDevice.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Device selects and configures the block device holding the partition
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Format holds the geometry used by the format command
	Format FormatConfig `mapstructure:"format" yaml:"format"`

	// Mount holds per-session options
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// DeviceConfig specifies the block device.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific section is used.
type DeviceConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, file, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory file badger s3"`

	// Memory: size, chunk_size
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// File: path, size (used only when the image does not exist yet)
	File map[string]any `mapstructure:"file" yaml:"file"`

	// Badger: db_path, size, block_size, sync_writes
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// S3: bucket, region, key_prefix, endpoint, access_key_id,
	// secret_access_key, max_retries, size, block_size
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// FormatConfig holds partition geometry for the format command.
type FormatConfig struct {
	// Name is the partition name, truncated to 16 bytes on disk
	Name string `mapstructure:"name" yaml:"name" validate:"printascii"`

	// PieceSizeMiB is the allocation unit in MiB
	PieceSizeMiB uint16 `mapstructure:"piece_size_mib" yaml:"piece_size_mib" validate:"required,gte=1"`

	// PieceCount is the number of pieces; 0 fills the device
	PieceCount uint64 `mapstructure:"piece_count" yaml:"piece_count"`

	// KeyLength is the name index truncation length k
	KeyLength int `mapstructure:"key_length" yaml:"key_length" validate:"required,gte=1,lte=255"`

	// BucketCount is the number of index buckets; 0 derives it from the
	// piece count
	BucketCount uint32 `mapstructure:"bucket_count" yaml:"bucket_count"`

	// BucketCapacity is the number of slots per bucket
	BucketCapacity uint32 `mapstructure:"bucket_capacity" yaml:"bucket_capacity" validate:"required,gte=1,lte=65535"`
}

// MountConfig holds session options applied at mount.
type MountConfig struct {
	// ScrubOnMount reconciles bitmap, catalog and index after every mount
	ScrubOnMount bool `mapstructure:"scrub_on_mount" yaml:"scrub_on_mount"`

	// IndexOverflow decides what create does when an index bucket is full
	// Valid values: degrade, reject
	IndexOverflow string `mapstructure:"index_overflow" yaml:"index_overflow" validate:"required,oneof=degrade reject"`

	// MaxNameLen bounds a single path component in bytes
	MaxNameLen int `mapstructure:"max_name_len" yaml:"max_name_len" validate:"required,gte=1"`

	// MaxPathLen bounds a whole path in bytes
	MaxPathLen int `mapstructure:"max_path_len" yaml:"max_path_len" validate:"required,gtefield=MaxNameLen"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on metric collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for /metrics
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// A .env file in the config file's directory (or the working directory
// when configPath is empty) is loaded into the environment first; variables
// already set take precedence over it.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(dotEnvPath(configPath)); err != nil {
		return nil, err
	}

	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SHFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"device.type",
	"format.name", "format.piece_size_mib", "format.piece_count", "format.key_length",
	"format.bucket_count", "format.bucket_capacity",
	"mount.scrub_on_mount", "mount.index_overflow", "mount.max_name_len", "mount.max_path_len",
	"metrics.enabled", "metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func dotEnvPath(configPath string) string {
	if configPath == "" {
		return ".env"
	}
	return filepath.Join(filepath.Dir(configPath), ".env")
}

// loadDotEnv exports the SHFS_ variables of a .env file that are not set
// in the process environment. A missing file is not an error.
func loadDotEnv(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for key, value := range values {
		if !strings.HasPrefix(key, EnvPrefix+"_") {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to export %s: %w", key, err)
		}
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/shfs, ~/.config/shfs, or "." when
// no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "shfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
