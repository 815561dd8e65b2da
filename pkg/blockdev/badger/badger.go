package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
)

// DefaultBlockSize is the size of one stored block value.
const DefaultBlockSize = 64 * 1024

// blocksPerTxn bounds how many block values one write transaction touches,
// keeping large piece writes below badger's transaction size limit.
const blocksPerTxn = 64

// Key Namespace:
//
//	"m:manifest"      -> CBOR blockdev.Manifest
//	"b:" + u64 BE     -> block bytes (always BlockSize long)
//
// Blocks never written have no key and read as zeros.
var (
	manifestKey = []byte("m:manifest")
	blockPrefix = []byte("b:")
)

func blockKey(n int64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], uint64(n))
	return key
}

// Config contains configuration for a BadgerDB-backed device.
type Config struct {
	// DBPath is the directory where BadgerDB stores its files.
	DBPath string `mapstructure:"db_path" validate:"required"`

	// Size is the device capacity in bytes. When opening an existing
	// database, 0 adopts the stored size.
	Size int64 `mapstructure:"size"`

	// BlockSize is the stored block granularity (default: 64KiB).
	BlockSize int `mapstructure:"block_size"`

	// SyncWrites makes every commit durable immediately instead of on Flush.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// Device implements blockdev.Device on top of BadgerDB.
//
// The partition is cut into fixed-size blocks stored under ordered keys.
// A WriteAt read-modify-writes every block it touches inside badger
// transactions; Flush calls DB.Sync so acknowledged writes survive a crash.
//
// Thread Safety:
// Badger transactions provide isolation between readers and writers. The
// RWMutex serializes writers so two overlapping read-modify-write cycles on
// the same block cannot lose an update, and guards the closed flag.
type Device struct {
	mu        sync.RWMutex
	db        *badger.DB
	size      int64
	blockSize int
	closed    bool
}

// Open opens (or creates) a BadgerDB device.
//
// A fresh database records a manifest with the configured geometry. An
// existing database must match it, otherwise ErrManifestMismatch is returned.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Database path and geometry
//
// Returns:
//   - *Device: Ready device
//   - error: Open failure, geometry mismatch, or context cancellation
func Open(ctx context.Context, cfg Config) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	opts := badger.DefaultOptions(cfg.DBPath).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	size, err := reconcileManifest(db, cfg.Size, blockSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Opened badger device at %s (%d bytes, %d-byte blocks)", cfg.DBPath, size, blockSize)

	return &Device{db: db, size: size, blockSize: blockSize}, nil
}

// reconcileManifest reads the stored manifest or writes a new one, and
// returns the effective device size.
func reconcileManifest(db *badger.DB, size int64, blockSize int) (int64, error) {
	var stored *blockdev.Manifest

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, err := blockdev.DecodeManifest(val)
			if err != nil {
				return err
			}
			stored = &m
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read device manifest: %w", err)
	}

	if stored != nil {
		if size == 0 {
			size = stored.Size
		}
		if err := blockdev.CheckManifest(*stored, size, blockSize); err != nil {
			return 0, err
		}
		return size, nil
	}

	if size <= 0 {
		return 0, fmt.Errorf("new badger device needs a positive size, got %d", size)
	}

	data, err := blockdev.EncodeManifest(blockdev.Manifest{
		Version:   blockdev.ManifestVersion,
		Size:      size,
		BlockSize: blockSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode device manifest: %w", err)
	}

	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey, data)
	}); err != nil {
		return 0, fmt.Errorf("failed to write device manifest: %w", err)
	}

	return size, nil
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

	err := d.db.View(func(txn *badger.Txn) error {
		for _, span := range blockdev.Spans(off, len(p), d.blockSize) {
			dst := p[span.Start:span.End]

			item, err := txn.Get(blockKey(span.Block))
			if errors.Is(err, badger.ErrKeyNotFound) {
				clear(dst)
				continue
			}
			if err != nil {
				return fmt.Errorf("block %d: %w", span.Block, err)
			}

			if err := item.Value(func(val []byte) error {
				copy(dst, val[span.Offset:])
				return nil
			}); err != nil {
				return fmt.Errorf("block %d: %w", span.Block, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read badger device at %d: %w", off, err)
	}

	return nil
}

// WriteAt implements blockdev.Device.
//
// Writes spanning more than blocksPerTxn blocks commit in several
// transactions; a failure part-way may leave a prefix written. The engine
// never publishes state for a failed write, so partial data is harmless.
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

	spans := blockdev.Spans(off, len(p), d.blockSize)
	for start := 0; start < len(spans); start += blocksPerTxn {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := spans[start:min(start+blocksPerTxn, len(spans))]
		if err := d.db.Update(func(txn *badger.Txn) error {
			return d.writeSpans(txn, p, batch)
		}); err != nil {
			return fmt.Errorf("failed to write badger device at %d: %w", off, err)
		}
	}

	return nil
}

// writeSpans read-modify-writes each block in spans within txn.
func (d *Device) writeSpans(txn *badger.Txn, p []byte, spans []blockdev.Span) error {
	for _, span := range spans {
		key := blockKey(span.Block)
		block := make([]byte, d.blockSize)

		// Full-block overwrites skip the read.
		if span.Offset != 0 || span.End-span.Start != d.blockSize {
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return fmt.Errorf("block %d: %w", span.Block, err)
			default:
				if _, err := item.ValueCopy(block[:0]); err != nil {
					return fmt.Errorf("block %d: %w", span.Block, err)
				}
			}
		}

		copy(block[span.Offset:], p[span.Start:span.End])

		if err := txn.Set(key, block); err != nil {
			return fmt.Errorf("block %d: %w", span.Block, err)
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

	if err := d.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync badger device: %w", err)
	}
	return nil
}

// Size implements blockdev.Device.
func (d *Device) Size() int64 {
	return d.size
}

// BlockSize returns the stored block granularity.
func (d *Device) BlockSize() int {
	return d.blockSize
}

// Close implements blockdev.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}
