package blockdev

import (
	"context"
	"time"
)

// Metrics receives per-call device observations.
type Metrics interface {
	// ObserveIO records one call. op is "read", "write" or "flush".
	ObserveIO(op string, bytes int, d time.Duration, err error)
}

// instrumented wraps a Device and reports every call to Metrics.
type instrumented struct {
	Device
	metrics Metrics
}

// Instrument returns dev wrapped so every ReadAt, WriteAt and Flush is
// reported to m. A nil m returns dev unchanged.
func Instrument(dev Device, m Metrics) Device {
	if m == nil {
		return dev
	}
	return &instrumented{Device: dev, metrics: m}
}

func (d *instrumented) ReadAt(ctx context.Context, p []byte, off int64) error {
	start := time.Now()
	err := d.Device.ReadAt(ctx, p, off)
	d.metrics.ObserveIO("read", len(p), time.Since(start), err)
	return err
}

func (d *instrumented) WriteAt(ctx context.Context, p []byte, off int64) error {
	start := time.Now()
	err := d.Device.WriteAt(ctx, p, off)
	d.metrics.ObserveIO("write", len(p), time.Since(start), err)
	return err
}

func (d *instrumented) Flush(ctx context.Context) error {
	start := time.Now()
	err := d.Device.Flush(ctx)
	d.metrics.ObserveIO("flush", 0, time.Since(start), err)
	return err
}
