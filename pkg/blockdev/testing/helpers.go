package testing

import (
	"testing"

	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/stretchr/testify/require"
)

// mustWrite writes data and fails the test if it errors.
func mustWrite(t *testing.T, dev blockdev.Device, data []byte, off int64) {
	t.Helper()
	require.NoError(t, dev.WriteAt(testContext(), data, off), "WriteAt should succeed")
}

// mustRead reads into buf and fails the test if it errors.
func mustRead(t *testing.T, dev blockdev.Device, buf []byte, off int64) {
	t.Helper()
	require.NoError(t, dev.ReadAt(testContext(), buf, off), "ReadAt should succeed")
}

// mustFlush flushes and fails the test if it errors.
func mustFlush(t *testing.T, dev blockdev.Device) {
	t.Helper()
	require.NoError(t, dev.Flush(testContext()), "Flush should succeed")
}

// readBack returns n bytes read at off.
func readBack(t *testing.T, dev blockdev.Device, off int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	mustRead(t, dev, buf, off)
	return buf
}

// pattern returns n bytes of a non-repeating-per-block test pattern.
func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + i/251)
	}
	return buf
}
