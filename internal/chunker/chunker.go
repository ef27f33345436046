// Package chunker partitions files into contiguous byte ranges.
//
// Chunk boundaries depend only on the file size and the chunk size, never on
// file contents, so a resumed upload reproduces the exact layout of the
// session that registered it.
package chunker

import (
	"fmt"

	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/models"
)

// Policy controls adaptive chunk sizing.
type Policy struct {
	MinChunkSize int64
	MaxChunkSize int64
	Step         int64
	TargetChunks int64
}

// DefaultPolicy returns the policy used by the HTTP storage backend.
func DefaultPolicy() Policy {
	return Policy{
		MinChunkSize: constants.DefaultMinChunkSize,
		MaxChunkSize: constants.DefaultMaxChunkSize,
		Step:         constants.DefaultChunkStep,
		TargetChunks: constants.DefaultTargetChunks,
	}
}

// Validate checks that the policy can produce a chunk size.
func (p Policy) Validate() error {
	switch {
	case p.Step <= 0:
		return fmt.Errorf("chunk step must be positive, got %d", p.Step)
	case p.MinChunkSize <= 0:
		return fmt.Errorf("minimum chunk size must be positive, got %d", p.MinChunkSize)
	case p.MaxChunkSize < p.MinChunkSize:
		return fmt.Errorf("maximum chunk size %d is below minimum %d", p.MaxChunkSize, p.MinChunkSize)
	case p.TargetChunks <= 0:
		return fmt.Errorf("target chunk count must be positive, got %d", p.TargetChunks)
	}
	return nil
}

// ChunkSize returns the chunk size for a file: fileSize/TargetChunks clamped
// to [MinChunkSize, MaxChunkSize], rounded up to a multiple of Step.
func (p Policy) ChunkSize(fileSize int64) int64 {
	ideal := fileSize / p.TargetChunks
	if fileSize%p.TargetChunks != 0 {
		ideal++
	}
	ideal = max(p.MinChunkSize, min(ideal, p.MaxChunkSize))
	return ((ideal + p.Step - 1) / p.Step) * p.Step
}

// CalculateChunkSize returns the chunk size for fileSize under DefaultPolicy.
func CalculateChunkSize(fileSize int64) int64 {
	return DefaultPolicy().ChunkSize(fileSize)
}

// Split returns the ordered chunk layout for a file. Every chunk is chunkSize
// bytes except the last, which holds the remainder. A zero-byte file has no chunks.
func Split(fileSize, chunkSize int64) ([]models.ChunkDescriptor, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := Count(fileSize, chunkSize)
	chunks := make([]models.ChunkDescriptor, 0, count)
	for offset := int64(0); offset < fileSize; offset += chunkSize {
		chunks = append(chunks, models.ChunkDescriptor{
			Index:  len(chunks),
			Offset: offset,
			Length: min(chunkSize, fileSize-offset),
			Status: models.ChunkPending,
		})
	}
	return chunks, nil
}

// Count returns the number of chunks Split produces.
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
