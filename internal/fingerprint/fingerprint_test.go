package fingerprint

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/localfs"
)

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestDigest_MatchesMD5(t *testing.T) {
	data := randomBytes(3*constants.HashBlockSize+123, 1)
	h, err := New(MD5)
	require.NoError(t, err)

	res, err := h.Digest(context.Background(), localfs.FromBytes("a.bin", data), nil)
	require.NoError(t, err)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
	assert.Equal(t, MD5, res.Algorithm)
	assert.Nil(t, res.Chunks)
}

func TestDigest_ContentAddressed(t *testing.T) {
	data := randomBytes(2*1024*1024+7, 2)
	changed := append([]byte(nil), data...)
	changed[len(changed)/2] ^= 0x01

	for _, algo := range Algorithms() {
		t.Run(algo, func(t *testing.T) {
			plain, err := New(algo)
			require.NoError(t, err)
			chunked, err := New(algo, WithChunkDigests(512*1024))
			require.NoError(t, err)

			ctx := context.Background()
			a, err := plain.Digest(ctx, localfs.FromBytes("first.bin", data), nil)
			require.NoError(t, err)
			b, err := chunked.Digest(ctx, localfs.FromBytes("renamed.dat", data), nil)
			require.NoError(t, err)
			c, err := plain.Digest(ctx, localfs.FromBytes("first.bin", changed), nil)
			require.NoError(t, err)

			assert.Equal(t, a.Digest, b.Digest, "same bytes under different names and chunk sizes")
			assert.NotEqual(t, a.Digest, c.Digest, "one flipped byte")
		})
	}
}

func TestDigest_ChunkDigests(t *testing.T) {
	chunkSize := int64(300 * 1024)
	data := randomBytes(1024*1024+10, 3)
	h, err := New(SHA256, WithChunkDigests(chunkSize))
	require.NoError(t, err)

	res, err := h.Digest(context.Background(), localfs.FromBytes("a.bin", data), nil)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 4)

	for i, got := range res.Chunks {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, int64(len(data)))
		assert.Equal(t, h.DigestBytes(data[start:end]), got, "chunk %d", i)
	}
}

func TestDigest_EmptySource(t *testing.T) {
	h, err := New(MD5, WithChunkDigests(1024))
	require.NoError(t, err)
	res, err := h.Digest(context.Background(), localfs.FromBytes("empty", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", res.Digest)
	assert.Empty(t, res.Chunks)
}

func TestDigest_ReportsProgress(t *testing.T) {
	data := randomBytes(2*constants.HashBlockSize+1, 4)
	h, _ := New(MD5)
	var last int64
	calls := 0
	_, err := h.Digest(context.Background(), localfs.FromBytes("a", data), func(n int64) {
		assert.Greater(t, n, last)
		last = n
		calls++
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, 3, calls)
}

type failingSource struct {
	size     int64
	failFrom int64
}

func (f failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.failFrom {
		return 0, errors.New("device not ready")
	}
	return len(p), nil
}
func (f failingSource) Name() string { return "broken" }
func (f failingSource) Size() int64  { return f.size }

func TestDigest_SourceReadError(t *testing.T) {
	h, _ := New(MD5)
	src := failingSource{size: 3 * constants.HashBlockSize, failFrom: constants.HashBlockSize}
	_, err := h.Digest(context.Background(), src, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrSourceRead)
	assert.Equal(t, cloud.KindSourceRead, cloud.KindOf(err))
}

func TestDigest_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, _ := New(MD5)
	_, err := h.Digest(ctx, localfs.FromBytes("a", []byte("data")), nil)
	assert.ErrorIs(t, err, cloud.ErrCanceled)
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New("crc32")
	assert.Error(t, err)
}
