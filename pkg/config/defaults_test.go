package config

import (
	"testing"

	"github.com/marmos91/shfs/pkg/shfs/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "file", cfg.Device.Type)
	assert.Equal(t, "shfs.img", cfg.Device.File["path"])
	assert.Equal(t, uint16(1), cfg.Format.PieceSizeMiB)
	assert.Zero(t, cfg.Format.PieceCount)
	assert.Zero(t, cfg.Format.BucketCount)
	assert.Equal(t, uint32(8), cfg.Format.BucketCapacity)
	assert.Equal(t, tree.DefaultMaxNameLen, cfg.Mount.MaxNameLen)
	assert.Equal(t, tree.DefaultMaxPathLen, cfg.Mount.MaxPathLen)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "stderr"},
		Device: DeviceConfig{
			Type: "badger",
			File: map[string]any{"path": "/srv/disk.img"},
		},
		Format: FormatConfig{Name: "disk0", PieceSizeMiB: 4, KeyLength: 6, BucketCapacity: 32},
		Mount:  MountConfig{IndexOverflow: "REJECT", MaxNameLen: 64, MaxPathLen: 512},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Device.Type)
	assert.Equal(t, "/srv/disk.img", cfg.Device.File["path"])
	assert.Equal(t, "64MiB", cfg.Device.File["size"])
	assert.Equal(t, "disk0", cfg.Format.Name)
	assert.Equal(t, uint16(4), cfg.Format.PieceSizeMiB)
	assert.Equal(t, "reject", cfg.Mount.IndexOverflow)
	assert.Equal(t, 64, cfg.Mount.MaxNameLen)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, Validate(GetDefaultConfig()))
}

func TestConfig_Options(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Format.PieceCount = 16
	cfg.Mount.ScrubOnMount = true
	cfg.Mount.IndexOverflow = "reject"

	fo := cfg.FormatOptions()
	assert.Equal(t, "shfs", fo.Name)
	assert.Equal(t, uint64(16), fo.PieceCount)
	assert.Equal(t, 12, fo.KeyLength)

	so := cfg.SessionOptions("disk0")
	assert.True(t, so.ScrubOnMount)
	assert.Equal(t, tree.OverflowReject, so.Tree.Overflow)
	assert.Equal(t, tree.DefaultMaxPathLen, so.Tree.MaxPathLen)
}
