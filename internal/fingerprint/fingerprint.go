// Package fingerprint computes content digests of file sources by streaming
// them through an incremental hash, so memory use does not grow with file size.
package fingerprint

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/util/buffers"
)

// Supported algorithm names.
const (
	MD5    = "md5"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

var algorithms = map[string]func() hash.Hash{
	MD5:    md5.New,
	SHA256: sha256.New,
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProgressFunc receives the cumulative number of bytes hashed.
type ProgressFunc func(hashed int64)

// Result is the outcome of Digest.
type Result struct {
	Algorithm string
	Digest    string   // lowercase hex
	Chunks    []string // per-chunk digests, set when chunk digests were requested
}

// Hasher computes fingerprints with one algorithm.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
	chunkSize int64
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithChunkDigests makes Digest also produce one digest per chunkSize range
// in the same pass.
func WithChunkDigests(chunkSize int64) Option {
	return func(h *Hasher) {
		h.chunkSize = chunkSize
	}
}

// New returns a Hasher for the named algorithm.
func New(algorithm string, opts ...Option) (*Hasher, error) {
	newHash, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q (supported: %v)", algorithm, Algorithms())
	}
	h := &Hasher{algorithm: algorithm, newHash: newHash}
	for _, opt := range opts {
		opt(h)
	}
	if h.chunkSize < 0 {
		return nil, fmt.Errorf("chunk digest size must not be negative, got %d", h.chunkSize)
	}
	return h, nil
}

// Algorithm returns the algorithm name.
func (h *Hasher) Algorithm() string { return h.algorithm }

// Digest streams src through the hash. The digest depends only on the bytes
// of src. Read failures are reported as cloud.KindSourceRead; cancellation is
// checked between blocks.
func (h *Hasher) Digest(ctx context.Context, src localfs.Source, onProgress ProgressFunc) (*Result, error) {
	buf := buffers.GetBlockBuffer()
	defer buffers.PutBlockBuffer(buf)

	size := src.Size()
	whole := h.newHash()
	var chunk hash.Hash
	var chunkDigests []string
	if h.chunkSize > 0 {
		chunk = h.newHash()
	}

	var offset int64
	for offset < size {
		if err := ctx.Err(); err != nil {
			return nil, cloud.NewError(cloud.KindCanceled, "hash "+src.Name(), err)
		}

		n := min(int64(len(*buf)), size-offset)
		if chunk != nil {
			// Clip at the chunk boundary so per-chunk digests cover exactly one chunk.
			n = min(n, h.chunkSize-offset%h.chunkSize)
		}
		block := (*buf)[:n]
		read, err := src.ReadAt(block, offset)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, cloud.NewError(cloud.KindSourceRead, "hash "+src.Name(),
				fmt.Errorf("read at offset %d: %w", offset, err))
		}

		whole.Write(block)
		offset += n
		if chunk != nil {
			chunk.Write(block)
			if offset%h.chunkSize == 0 || offset == size {
				chunkDigests = append(chunkDigests, hex.EncodeToString(chunk.Sum(nil)))
				chunk.Reset()
			}
		}
		if onProgress != nil {
			onProgress(offset)
		}
	}

	return &Result{
		Algorithm: h.algorithm,
		Digest:    hex.EncodeToString(whole.Sum(nil)),
		Chunks:    chunkDigests,
	}, nil
}

// DigestBytes returns the hex digest of data. Used to verify chunk digests.
func (h *Hasher) DigestBytes(data []byte) string {
	sum := h.newHash()
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil))
}
