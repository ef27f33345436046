// Package buffers provides reusable read buffers for streaming file hashing.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/chunkup/internal/constants"
)

var (
	blockAllocations int64 // Total block buffer allocations (new creates)
	blockGets        int64 // Total GetBlockBuffer calls
)

// blockPool provides HashBlockSize buffers so hashing many files does not
// allocate a fresh block per read.
var blockPool = &sync.Pool{
	New: func() interface{} {
		atomic.AddInt64(&blockAllocations, 1)
		buf := make([]byte, constants.HashBlockSize)
		return &buf
	},
}

// GetBlockBuffer retrieves a block buffer from the pool.
// The buffer must be returned with PutBlockBuffer when done.
//
// Usage:
//
//	buf := buffers.GetBlockBuffer()
//	defer buffers.PutBlockBuffer(buf)
//	n, err := src.ReadAt(*buf, off)
func GetBlockBuffer() *[]byte {
	atomic.AddInt64(&blockGets, 1)
	return blockPool.Get().(*[]byte)
}

// PutBlockBuffer returns a buffer to the pool. Buffers of the wrong size are
// dropped. The buffer is cleared so file contents do not linger across uses.
func PutBlockBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.HashBlockSize {
		clear(*buf)
		blockPool.Put(buf)
	}
}

// Stats holds buffer pool counters.
type Stats struct {
	BlockBufferSize  int
	BlockAllocations int64
	BlockGets        int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		BlockBufferSize:  constants.HashBlockSize,
		BlockAllocations: atomic.LoadInt64(&blockAllocations),
		BlockGets:        atomic.LoadInt64(&blockGets),
	}
}
