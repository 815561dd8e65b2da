package testing

import (
	"context"
	"testing"

	"github.com/marmos91/shfs/pkg/blockdev"
)

// DeviceTestSuite is a conformance suite for blockdev.Device implementations.
// It tests the interface contract, not implementation details, making it
// reusable across backends (memory, file, badger, s3).
//
// Usage:
//
//	func TestMyDevice(t *testing.T) {
//	    suite := &testing.DeviceTestSuite{
//	        NewDevice: func(t *testing.T, size int64) blockdev.Device {
//	            return mydev.New(size)
//	        },
//	    }
//	    suite.Run(t)
//	}
type DeviceTestSuite struct {
	// NewDevice creates a fresh, zeroed device of the given size for each
	// test. Implementations register their own cleanup via t.Cleanup.
	NewDevice func(t *testing.T, size int64) blockdev.Device
}

// suiteDeviceSize is deliberately not a multiple of common block sizes so
// the tail block is always partial.
const suiteDeviceSize = 3*64*1024 + 1000

// Run executes all tests in the suite.
func (suite *DeviceTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("RangeChecks", suite.RunRangeTests)
	t.Run("Concurrency", suite.RunConcurrencyTests)
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}
