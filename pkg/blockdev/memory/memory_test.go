package memory

import (
	"context"
	"testing"

	"github.com/marmos91/shfs/pkg/blockdev"
	devtesting "github.com/marmos91/shfs/pkg/blockdev/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryDevice runs the complete Device test suite against the
// in-memory implementation.
func TestMemoryDevice(t *testing.T) {
	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, size int64) blockdev.Device {
			return NewWithChunkSize(size, 4096)
		},
	}

	suite.Run(t)
}

func TestMemoryDevice_Sparse(t *testing.T) {
	dev := New(1 << 30)

	require.NoError(t, dev.WriteAt(context.Background(), []byte{1}, 512<<20))
	assert.Equal(t, int64(DefaultChunkSize), dev.AllocatedBytes())
}

func TestMemoryDevice_Closed(t *testing.T) {
	dev := New(4096)
	require.NoError(t, dev.Close())

	err := dev.ReadAt(context.Background(), make([]byte, 1), 0)
	assert.ErrorIs(t, err, blockdev.ErrClosed)
}
