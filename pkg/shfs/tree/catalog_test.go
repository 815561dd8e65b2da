package tree

import (
	"testing"

	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeBlob parses a blob the way mount does.
func decodeBlob(t *testing.T, blob []byte, bitmap []byte, pieces uint64) *Tree {
	t.Helper()

	h, err := DecodeBlobHeader(blob)
	require.NoError(t, err)
	payload := blob[h.Len() : h.Len()+h.PayloadLen]
	require.NoError(t, h.VerifyPayload(payload))

	a := alloc.New(pieces, mib)
	require.NoError(t, a.Load(bitmap))

	decoded, err := DecodeCatalog(payload, uint64(len(blob)), h.Pieces, a,
		nameindex.New(nameindex.DefaultKeyLength, 16, 8), Options{})
	require.NoError(t, err)
	return decoded
}

func TestStageCatalog_RoundTrip(t *testing.T) {
	tr := newTestTree(t, 16, Options{})
	mustCreate(t, tr, "/dir1", TypeDirectory)
	mustCreate(t, tr, "/dir1/silly_cat.gif", TypeFile)
	mustCreate(t, tr, "/other", TypeFile)
	_, err := tr.Write("/other", 0, 1)
	require.NoError(t, err)
	_, err = tr.Write("/dir1/silly_cat.gif", 0, 3*mib)
	require.NoError(t, err)

	blob, newChain, oldChain, err := tr.StageCatalog()
	require.NoError(t, err)
	assert.Empty(t, oldChain)
	assert.Equal(t, []uint64{4}, newChain)

	decoded := decodeBlob(t, blob, tr.Alloc().Bitmap(), 16)
	assert.Equal(t, tr.Entries(), decoded.Entries())

	chain, err := decoded.Chain("/dir1/silly_cat.gif")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, chain)

	rootChain, err := decoded.Chain("/")
	require.NoError(t, err)
	assert.Equal(t, newChain, rootChain)

	// IDs keep increasing after decode.
	e, err := decoded.Create("/next", TypeFile)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.ID)
}

func TestStageCatalog_ShadowsOldChain(t *testing.T) {
	tr := newTestTree(t, 8, Options{})

	_, first, _, err := tr.StageCatalog()
	require.NoError(t, err)

	mustCreate(t, tr, "/f", TypeFile)
	_, second, old, err := tr.StageCatalog()
	require.NoError(t, err)

	assert.Equal(t, first, old)
	assert.NotEqual(t, first, second)
	assert.False(t, tr.Alloc().IsUsed(first[0]))
	assert.True(t, tr.Alloc().IsUsed(second[0]))
	assert.Equal(t, uint64(7), tr.Alloc().FreePieces())
}

func TestStageCatalog_OutOfSpace(t *testing.T) {
	tr := newTestTree(t, 1, Options{})
	_, _, _, err := tr.StageCatalog()
	require.NoError(t, err)

	// The only piece holds the current catalog; a new one cannot be shadowed.
	mustCreate(t, tr, "/f", TypeFile)
	_, _, _, err = tr.StageCatalog()
	assert.ErrorIs(t, err, alloc.ErrOutOfSpace)
}

func TestDecodeBlobHeader_Corruption(t *testing.T) {
	blob := EncodeBlob([]byte("payload"), []uint64{3})

	_, err := DecodeBlobHeader(blob[:10])
	assert.ErrorIs(t, err, ErrCorruptCatalog)

	bad := append([]byte(nil), blob...)
	bad[0] = 'X'
	_, err = DecodeBlobHeader(bad)
	assert.ErrorIs(t, err, ErrCorruptCatalog)

	h, err := DecodeBlobHeader(blob)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, h.Pieces)
	assert.NoError(t, h.VerifyPayload([]byte("payload")))
	assert.ErrorIs(t, h.VerifyPayload([]byte("paylaod")), ErrCorruptCatalog)
	assert.ErrorIs(t, h.VerifyPayload([]byte("pay")), ErrCorruptCatalog)
}

func TestDecodeCatalog_Garbage(t *testing.T) {
	a := alloc.New(4, mib)
	_, err := DecodeCatalog([]byte{0, 0, 0}, 0, nil, a, nameindex.New(12, 4, 4), Options{})
	assert.ErrorIs(t, err, ErrCorruptCatalog)
}
