package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBasicTests executes read/write contract tests.
func (suite *DeviceTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Size", suite.testSize)
	t.Run("UnwrittenReadsZero", suite.testUnwrittenReadsZero)
	t.Run("WriteThenRead", suite.testWriteThenRead)
	t.Run("CrossBlockWrite", suite.testCrossBlockWrite)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("TailBlock", suite.testTailBlock)
	t.Run("Flush", suite.testFlush)
	t.Run("CancelledContext", suite.testCancelledContext)
}

// RunRangeTests executes bounds-checking tests.
func (suite *DeviceTestSuite) RunRangeTests(t *testing.T) {
	t.Run("ReadPastEnd", suite.testReadPastEnd)
	t.Run("WritePastEnd", suite.testWritePastEnd)
	t.Run("NegativeOffset", suite.testNegativeOffset)
	t.Run("ZeroLength", suite.testZeroLength)
}

// RunConcurrencyTests executes concurrent access tests.
func (suite *DeviceTestSuite) RunConcurrencyTests(t *testing.T) {
	t.Run("DisjointWriters", suite.testDisjointWriters)
}

func (suite *DeviceTestSuite) testSize(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)
	assert.Equal(t, int64(suiteDeviceSize), dev.Size())
}

func (suite *DeviceTestSuite) testUnwrittenReadsZero(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	buf := bytes.Repeat([]byte{0xAA}, 4096)
	mustRead(t, dev, buf, 70000)
	assert.Equal(t, make([]byte, 4096), buf)
}

func (suite *DeviceTestSuite) testWriteThenRead(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	data := []byte("SHFS!piece-data")
	mustWrite(t, dev, data, 48)
	mustFlush(t, dev)

	assert.Equal(t, data, readBack(t, dev, 48, len(data)))
}

func (suite *DeviceTestSuite) testCrossBlockWrite(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	data := pattern(3 * 4096)
	off := int64(64*1024 - 5000)
	mustWrite(t, dev, data, off)

	assert.Equal(t, data, readBack(t, dev, off, len(data)))
	// Neighbours stay untouched.
	assert.Equal(t, make([]byte, 16), readBack(t, dev, off-16, 16))
	assert.Equal(t, make([]byte, 16), readBack(t, dev, off+int64(len(data)), 16))
}

func (suite *DeviceTestSuite) testOverwrite(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	mustWrite(t, dev, []byte("aaaaaaaaaa"), 100)
	mustWrite(t, dev, []byte("BBB"), 103)

	assert.Equal(t, []byte("aaaBBBaaaa"), readBack(t, dev, 100, 10))
}

func (suite *DeviceTestSuite) testTailBlock(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	data := pattern(1000)
	off := int64(suiteDeviceSize - len(data))
	mustWrite(t, dev, data, off)

	assert.Equal(t, data, readBack(t, dev, off, len(data)))
}

func (suite *DeviceTestSuite) testFlush(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	mustWrite(t, dev, []byte{1, 2, 3}, 0)
	mustFlush(t, dev)
	mustFlush(t, dev)
}

func (suite *DeviceTestSuite) testCancelledContext(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	err := dev.WriteAt(ctx, []byte{1}, 0)
	assert.ErrorIs(t, err, context.Canceled)

	// A cancelled write must not have landed.
	assert.Equal(t, []byte{0}, readBack(t, dev, 0, 1))
}

func (suite *DeviceTestSuite) testReadPastEnd(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	buf := make([]byte, 10)
	err := dev.ReadAt(testContext(), buf, suiteDeviceSize-5)
	assert.ErrorIs(t, err, blockdev.ErrOutOfRange)
}

func (suite *DeviceTestSuite) testWritePastEnd(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	err := dev.WriteAt(testContext(), make([]byte, 10), suiteDeviceSize-5)
	assert.ErrorIs(t, err, blockdev.ErrOutOfRange)

	// Nothing was written, including the in-range prefix.
	buf := bytes.Repeat([]byte{0xFF}, 5)
	mustRead(t, dev, buf, suiteDeviceSize-5)
	assert.Equal(t, make([]byte, 5), buf)
}

func (suite *DeviceTestSuite) testNegativeOffset(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	err := dev.ReadAt(testContext(), make([]byte, 1), -1)
	assert.ErrorIs(t, err, blockdev.ErrInvalidOffset)
}

func (suite *DeviceTestSuite) testZeroLength(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	require.NoError(t, dev.WriteAt(testContext(), nil, suiteDeviceSize))
	require.NoError(t, dev.ReadAt(testContext(), nil, 0))
}

func (suite *DeviceTestSuite) testDisjointWriters(t *testing.T) {
	dev := suite.NewDevice(t, suiteDeviceSize)

	const writers = 8
	const chunk = 2048

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i + 1)}, chunk)
			if err := dev.WriteAt(testContext(), data, int64(i*chunk)); err != nil {
				errs <- fmt.Errorf("writer %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for i := range writers {
		got := readBack(t, dev, int64(i*chunk), chunk)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, chunk), got, "writer %d", i)
	}
}
