package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
	badgerdev "github.com/marmos91/shfs/pkg/blockdev/badger"
	filedev "github.com/marmos91/shfs/pkg/blockdev/file"
	"github.com/marmos91/shfs/pkg/blockdev/memory"
	s3dev "github.com/marmos91/shfs/pkg/blockdev/s3"
	"github.com/marmos91/shfs/pkg/metrics"
	"github.com/mitchellh/mapstructure"
)

// CreateDevice opens the block device selected by cfg.Type.
//
// The type-specific option map is decoded into the backend's options and
// passed to its constructor. Sizes accept plain byte counts or
// human-readable strings such as "64MiB". The device is instrumented with
// Prometheus metrics when the global registry is enabled.
//
// Supported types:
//   - "memory": pkg/blockdev/memory (ephemeral)
//   - "file": pkg/blockdev/file (image file, created when missing)
//   - "badger": pkg/blockdev/badger (BadgerDB directory)
//   - "s3": pkg/blockdev/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Device configuration
//
// Returns:
//   - blockdev.Device: Ready device
//   - error: Configuration or initialization error
func CreateDevice(ctx context.Context, cfg *DeviceConfig) (blockdev.Device, error) {
	var (
		dev blockdev.Device
		err error
	)

	switch cfg.Type {
	case "memory":
		dev, err = createMemoryDevice(ctx, cfg.Memory)
	case "file":
		dev, err = createFileDevice(ctx, cfg.File)
	case "badger":
		dev, err = createBadgerDevice(ctx, cfg.Badger)
	case "s3":
		dev, err = createS3Device(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown device type: %q (supported: memory, file, badger, s3)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return blockdev.Instrument(dev, metrics.NewDeviceMetrics(cfg.Type)), nil
}

// decodeOptions decodes a backend option map, parsing size strings with
// go-humanize.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       byteSizeHook,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int64, reflect.Int:
		s := data.(string)
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(n), nil
	}
	return data, nil
}

// createMemoryDevice creates a sparse in-memory device.
func createMemoryDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type MemoryDeviceOptions struct {
		Size      int64 `mapstructure:"size"`
		ChunkSize int   `mapstructure:"chunk_size"`
	}

	var opts MemoryDeviceOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode memory device options: %w", err)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("memory device: size is required")
	}

	if opts.ChunkSize > 0 {
		return memory.NewWithChunkSize(opts.Size, opts.ChunkSize), nil
	}
	return memory.New(opts.Size), nil
}

// createFileDevice opens an image file, creating it with the configured
// size when it does not exist.
func createFileDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	type FileDeviceOptions struct {
		Path string `mapstructure:"path"`
		Size int64  `mapstructure:"size"`
	}

	var opts FileDeviceOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode file device options: %w", err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	_, err := os.Stat(opts.Path)
	switch {
	case err == nil:
		return filedev.Open(ctx, opts.Path)
	case errors.Is(err, os.ErrNotExist):
		if opts.Size <= 0 {
			return nil, fmt.Errorf("file device: %s does not exist and no size is configured", opts.Path)
		}
		return filedev.Create(ctx, opts.Path, opts.Size)
	default:
		return nil, fmt.Errorf("file device: %w", err)
	}
}

// createBadgerDevice opens a BadgerDB-backed device.
func createBadgerDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	var cfg badgerdev.Config
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger device options: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("badger device: %w", formatValidationError(err))
	}

	dev, err := badgerdev.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger device: %w", err)
	}
	return dev, nil
}

// createS3Device creates an S3-backed device.
func createS3Device(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	type S3DeviceOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
		Size            int64  `mapstructure:"size"`
		BlockSize       int64  `mapstructure:"block_size"`
	}

	var opts S3DeviceOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 device options: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 device: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 device: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))

	// Custom endpoint for MinIO, Localstack, etc.
	if opts.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials when provided, otherwise the default chain.
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client and Device
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack
		if opts.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	dev, err := s3dev.New(ctx, s3dev.Config{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Size:      opts.Size,
		BlockSize: int(opts.BlockSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 device: %w", err)
	}

	logger.Info("S3 device initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)

	return dev, nil
}
