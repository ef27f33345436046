package progress

import (
	"io"

	"github.com/rescale/chunkup/internal/models"
)

// ProgressUI renders the progress of one or more concurrent uploads.
type ProgressUI interface {
	// AddFileBar creates the display for one file upload
	AddFileBar(name, folderID string, size int64) FileBarHandle

	// SetFolderPath caches a human-readable path for a folder ID
	SetFolderPath(folderID, path string)

	// Wait blocks until all bars complete
	Wait()

	// Writer returns an io.Writer that safely outputs above the progress bars.
	Writer() io.Writer

	// IsTerminal returns true if output is to a terminal (progress bars are active)
	IsTerminal() bool
}

// FileBarHandle is the display of a single file upload. Its methods match
// the engine's hashing and chunk progress callbacks.
type FileBarHandle interface {
	// Hashed reports the bytes fingerprinted so far
	Hashed(n int64)

	// Chunk reports a chunk status change
	Chunk(p models.ChunkProgress)

	// Complete marks the upload as finished and prints a summary
	Complete(ref *models.FileRef, instant bool, err error)
}

// New returns the UI suited to the output: plain lines when stderr is not a
// terminal, a single bar for one file, and stacked bars otherwise.
func New(totalFiles int) ProgressUI {
	if totalFiles == 1 && isTerminal(stderr) {
		return NewSingleUI()
	}
	return NewUploadUI(totalFiles)
}
