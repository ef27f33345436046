package buffers

import (
	"testing"

	"github.com/rescale/chunkup/internal/constants"
)

func TestBlockBuffer_RoundTrip(t *testing.T) {
	buf := GetBlockBuffer()
	if len(*buf) != constants.HashBlockSize {
		t.Fatalf("buffer size = %d, want %d", len(*buf), constants.HashBlockSize)
	}
	(*buf)[0] = 0xff
	PutBlockBuffer(buf)
	if (*buf)[0] != 0 {
		t.Error("buffer not cleared on put")
	}
}

func TestPutBlockBuffer_IgnoresWrongSize(t *testing.T) {
	small := make([]byte, 16)
	PutBlockBuffer(&small)
	PutBlockBuffer(nil)
}

func TestGetStats_CountsGets(t *testing.T) {
	before := GetStats().BlockGets
	PutBlockBuffer(GetBlockBuffer())
	if after := GetStats().BlockGets; after != before+1 {
		t.Errorf("BlockGets = %d, want %d", after, before+1)
	}
}
