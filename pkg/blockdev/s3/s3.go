package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
)

// DefaultBlockSize is the size of one block object.
const DefaultBlockSize = 1024 * 1024

// API is the subset of the S3 client the device needs.
//
// *s3.Client satisfies it; tests substitute an in-memory fake.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config contains configuration for an S3-backed device.
type Config struct {
	// Client is the configured S3 client.
	Client API

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	// Example: "shfs/disk0/" results in keys like "shfs/disk0/blocks/0000000000000000"
	KeyPrefix string

	// Size is the device capacity in bytes. When the bucket already holds a
	// device under KeyPrefix, 0 adopts the stored size.
	Size int64

	// BlockSize is the size of each block object (default: 1MiB).
	BlockSize int
}

// Device implements blockdev.Device on Amazon S3 or S3-compatible storage.
//
// Object Layout:
//   - <prefix>manifest: CBOR blockdev.Manifest
//   - <prefix>blocks/<block number as 16 hex digits>: one block
//
// Blocks never written have no object and read as zeros. A WriteAt touching
// part of a block downloads it, patches it and uploads it again. A
// successful PutObject is durable, so Flush only checks the device state.
//
// Thread Safety:
// Writers are serialized so concurrent read-modify-write cycles on the same
// block object cannot lose updates. Readers run concurrently.
type Device struct {
	mu        sync.RWMutex
	client    API
	bucket    string
	keyPrefix string
	size      int64
	blockSize int
	closed    bool
}

// New opens (or initializes) a device stored in an S3 bucket.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 client, bucket and geometry
//
// Returns:
//   - *Device: Ready device
//   - error: Bucket access failure, geometry mismatch, or context cancellation
func New(ctx context.Context, cfg Config) (*Device, error) {
	// ========================================================================
	// Step 1: Check context and validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	d := &Device{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		blockSize: blockSize,
	}

	// ========================================================================
	// Step 3: Reconcile manifest
	// ========================================================================

	size, err := d.reconcileManifest(ctx, cfg.Size)
	if err != nil {
		return nil, err
	}
	d.size = size

	logger.Debug("Opened S3 device bucket=%s prefix=%s (%d bytes, %d-byte blocks)",
		cfg.Bucket, cfg.KeyPrefix, size, blockSize)

	return d, nil
}

func (d *Device) manifestKey() string {
	return d.keyPrefix + "manifest"
}

func (d *Device) blockKey(n int64) string {
	return fmt.Sprintf("%sblocks/%016x", d.keyPrefix, n)
}

func (d *Device) reconcileManifest(ctx context.Context, size int64) (int64, error) {
	data, found, err := d.getObject(ctx, d.manifestKey())
	if err != nil {
		return 0, fmt.Errorf("failed to read device manifest: %w", err)
	}

	if found {
		stored, err := blockdev.DecodeManifest(data)
		if err != nil {
			return 0, err
		}
		if size == 0 {
			size = stored.Size
		}
		if err := blockdev.CheckManifest(stored, size, d.blockSize); err != nil {
			return 0, err
		}
		return size, nil
	}

	if size <= 0 {
		return 0, fmt.Errorf("new S3 device needs a positive size, got %d", size)
	}

	data, err = blockdev.EncodeManifest(blockdev.Manifest{
		Version:   blockdev.ManifestVersion,
		Size:      size,
		BlockSize: d.blockSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode device manifest: %w", err)
	}

	if err := d.putObject(ctx, d.manifestKey(), data); err != nil {
		return 0, fmt.Errorf("failed to write device manifest: %w", err)
	}

	return size, nil
}

// getObject downloads key. found is false when the object does not exist.
func (d *Device) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, true, nil
}

func (d *Device) putObject(ctx context.Context, key string, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// ReadAt implements blockdev.Device.
func (d *Device) ReadAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blockdev.CheckRange(off, len(p), d.size); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}

	for _, span := range blockdev.Spans(off, len(p), d.blockSize) {
		dst := p[span.Start:span.End]

		data, found, err := d.getObject(ctx, d.blockKey(span.Block))
		if err != nil {
			return fmt.Errorf("failed to read block %d: %w", span.Block, err)
		}
		if !found {
			clear(dst)
			continue
		}

		n := 0
		if span.Offset < len(data) {
			n = copy(dst, data[span.Offset:])
		}
		clear(dst[n:])
	}

	return nil
}

// WriteAt implements blockdev.Device.
func (d *Device) WriteAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blockdev.CheckRange(off, len(p), d.size); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return blockdev.ErrClosed
	}

	for _, span := range blockdev.Spans(off, len(p), d.blockSize) {
		key := d.blockKey(span.Block)
		block := make([]byte, d.blockSize)

		// Full-block overwrites skip the download.
		if span.Offset != 0 || span.End-span.Start != d.blockSize {
			data, found, err := d.getObject(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to read block %d: %w", span.Block, err)
			}
			if found {
				copy(block, data)
			}
		}

		copy(block[span.Offset:], p[span.Start:span.End])

		if err := d.putObject(ctx, key, block); err != nil {
			return fmt.Errorf("failed to write block %d: %w", span.Block, err)
		}
	}

	return nil
}

// Flush implements blockdev.Device.
func (d *Device) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}
	return nil
}

// Size implements blockdev.Device.
func (d *Device) Size() int64 {
	return d.size
}

// Close implements blockdev.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
