package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/shfs/pkg/blockdev"
	devtesting "github.com/marmos91/shfs/pkg/blockdev/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket implementing API.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	puts    int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(bytes.Clone(data)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

// TestS3Device runs the complete Device test suite against a fake bucket.
func TestS3Device(t *testing.T) {
	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, size int64) blockdev.Device {
			dev, err := New(context.Background(), Config{
				Client:    newFakeS3("disks"),
				Bucket:    "disks",
				KeyPrefix: "disk0/",
				Size:      size,
				BlockSize: 4096,
			})
			require.NoError(t, err)
			return dev
		},
	}

	suite.Run(t)
}

func TestS3Device_MissingBucket(t *testing.T) {
	_, err := New(context.Background(), Config{
		Client: newFakeS3("disks"),
		Bucket: "other",
		Size:   4096,
	})
	var notFound *types.NotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestS3Device_ReopenAdoptsManifest(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3("disks")

	dev, err := New(ctx, Config{Client: api, Bucket: "disks", KeyPrefix: "d/", Size: 1 << 20, BlockSize: 4096})
	require.NoError(t, err)
	require.NoError(t, dev.WriteAt(ctx, []byte("silly_cat"), 5000))

	dev, err = New(ctx, Config{Client: api, Bucket: "disks", KeyPrefix: "d/", BlockSize: 4096})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), dev.Size())

	buf := make([]byte, 9)
	require.NoError(t, dev.ReadAt(ctx, buf, 5000))
	assert.Equal(t, "silly_cat", string(buf))
	assert.Contains(t, api.objects, "d/blocks/0000000000000001")
}

func TestS3Device_GeometryMismatch(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3("disks")

	_, err := New(ctx, Config{Client: api, Bucket: "disks", Size: 1 << 20})
	require.NoError(t, err)

	_, err = New(ctx, Config{Client: api, Bucket: "disks", Size: 2 << 20})
	assert.ErrorIs(t, err, blockdev.ErrManifestMismatch)
}

func TestS3Device_FullBlockWriteSkipsDownload(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3("disks")

	dev, err := New(ctx, Config{Client: api, Bucket: "disks", Size: 16384, BlockSize: 4096})
	require.NoError(t, err)

	before := api.puts
	require.NoError(t, dev.WriteAt(ctx, bytes.Repeat([]byte{7}, 8192), 4096))
	assert.Equal(t, before+2, api.puts)
}
