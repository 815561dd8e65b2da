package layout

import (
	"testing"

	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDescriptor() Descriptor {
	return Descriptor{
		Version:           DescriptorVersion,
		KeyLength:         12,
		BucketCount:       16,
		BucketCapacity:    8,
		BitmapBytes:       2,
		CatalogHead:       0,
		CatalogGeneration: 7,
	}
}

func TestDescriptor_RoundTrip(t *testing.T) {
	d := sampleDescriptor()
	buf := EncodeDescriptor(d)

	assert.Equal(t, []byte("SHIX"), buf[0:4])

	got, err := DecodeDescriptor(buf[:])
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDescriptor_Corruption(t *testing.T) {
	buf := EncodeDescriptor(sampleDescriptor())

	t.Run("Checksum", func(t *testing.T) {
		bad := buf
		bad[24] ^= 0x01
		_, err := DecodeDescriptor(bad[:])
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("Magic", func(t *testing.T) {
		bad := buf
		bad[0] = 'X'
		_, err := DecodeDescriptor(bad[:])
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("Zeroed", func(t *testing.T) {
		_, err := DecodeDescriptor(make([]byte, header.DescriptorSize))
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("Version", func(t *testing.T) {
		d := sampleDescriptor()
		d.Version = 9
		bad := EncodeDescriptor(d)
		_, err := DecodeDescriptor(bad[:])
		assert.ErrorIs(t, err, ErrUnsupportedDescriptor)
	})
}

func TestDerive(t *testing.T) {
	d := sampleDescriptor()
	end := IndexEndFor(16, d.BucketCount, d.BucketCapacity)
	assert.Zero(t, end%Alignment)

	h := header.Header{PieceSize: 1, PieceCount: 16, IndexEnd: end}
	l, err := Derive(h, d)
	require.NoError(t, err)

	assert.Equal(t, uint64(8+8*16), l.BucketSize)
	assert.Equal(t, uint64(BucketsOffset), l.BucketOffset(0))
	assert.Equal(t, uint64(BucketsOffset)+3*l.BucketSize, l.BucketOffset(3))
	assert.Equal(t, end-2, l.BitmapOffset)
	assert.LessOrEqual(t, l.BucketsEnd, l.BitmapOffset)
}

func TestDerive_Overlap(t *testing.T) {
	d := sampleDescriptor()
	h := header.Header{PieceSize: 1, PieceCount: 16, IndexEnd: 512}

	_, err := Derive(h, d)
	assert.ErrorIs(t, err, ErrLayoutOverlap)
}
