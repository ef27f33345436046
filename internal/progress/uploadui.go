package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/models"
)

// UploadUI manages multiple concurrent upload progress bars using mpb
type UploadUI struct {
	progress   *mpb.Progress
	out        io.Writer // summary lines when not a terminal
	pathCache  sync.Map  // folderID -> human path
	isTerminal bool
	totalFiles int
	started    int32 // Atomic counter for file index (1, 2, 3, ...)
	completed  int32
}

// FileBar represents a single file upload progress bar
type FileBar struct {
	bar        *mpb.Bar
	ui         *UploadUI
	index      int
	name       string
	folderPath string
	size       int64
	hashed     atomic.Int64
	uploading  atomic.Bool
	retries    atomic.Int32
	startTime  time.Time
	lastUpdate time.Time
}

// NewUploadUI creates a new upload UI with the given number of total files
func NewUploadUI(totalFiles int) *UploadUI {
	terminal := isTerminal(stderr)
	if terminal {
		// Enable ANSI escape sequences on Windows for proper progress bar rendering
		enableANSIOnWindows(stderr)
	}
	return newUploadUI(stderr, os.Stdout, totalFiles, terminal)
}

func newUploadUI(barOut, textOut io.Writer, totalFiles int, terminal bool) *UploadUI {
	var p *mpb.Progress
	if terminal {
		p = mpb.New(
			mpb.WithOutput(barOut),
			mpb.WithRefreshRate(constants.ProgressRefreshRate),
			mpb.WithWidth(100),
		)
	} else {
		// Non-TTY: disable progress bars, just use text output
		p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return &UploadUI{
		progress:   p,
		out:        textOut,
		isTerminal: terminal,
		totalFiles: totalFiles,
	}
}

// SetFolderPath caches a human-readable path for a folder ID
func (u *UploadUI) SetFolderPath(folderID, path string) {
	u.pathCache.Store(folderID, path)
}

func (u *UploadUI) folderPath(folderID string) string {
	if path, ok := u.pathCache.Load(folderID); ok {
		return path.(string)
	}
	return folderID
}

// AddFileBar creates a new progress bar for a file upload
func (u *UploadUI) AddFileBar(name, folderID string, size int64) FileBarHandle {
	// Atomic increment to get unique file index across all concurrent uploads
	index := int(atomic.AddInt32(&u.started, 1))

	fb := &FileBar{
		ui:         u,
		index:      index,
		name:       truncatePath(name, 2),
		folderPath: u.folderPath(folderID),
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}

	if !u.isTerminal {
		fmt.Fprintf(u.out, "Uploading [%d/%d]: %s (%s) → %s\n",
			fb.index, u.totalFiles, fb.name, units.BytesSize(float64(size)), fb.folderPath)
		return fb
	}

	fb.bar = u.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(fb.label, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
		mpb.BarRemoveOnComplete(),
	)
	return fb
}

// label is the bar prefix: index, name, size, phase and retry count.
func (f *FileBar) label(decor.Statistics) string {
	base := fmt.Sprintf("[%d/%d] %s (%s) → %s",
		f.index, f.ui.totalFiles, f.name, units.BytesSize(float64(f.size)), f.folderPath)
	if !f.uploading.Load() {
		pct := 100.0
		if f.size > 0 {
			pct = float64(f.hashed.Load()) * 100 / float64(f.size)
		}
		return fmt.Sprintf("%s hashing %.0f%%", base, pct)
	}
	if retries := f.retries.Load(); retries > 0 {
		return fmt.Sprintf("%s (retry %d)", base, retries)
	}
	return base
}

// Hashed records fingerprint progress; the bar itself does not move until
// chunks are acked.
func (f *FileBar) Hashed(n int64) {
	f.hashed.Store(n)
}

// Chunk updates the bar from a chunk status change. Acked bytes feed mpb's
// EWMA speed and ETA.
func (f *FileBar) Chunk(p models.ChunkProgress) {
	if f.uploading.CompareAndSwap(false, true) {
		f.startTime = time.Now()
		f.lastUpdate = f.startTime
	}
	switch p.Status {
	case models.ChunkFailed:
		f.retries.Add(1)
	case models.ChunkAcked:
		if f.bar == nil {
			return
		}
		now := time.Now()
		f.bar.EwmaSetCurrent(p.AckedBytes, now.Sub(f.lastUpdate))
		f.lastUpdate = now
	}
}

// Complete marks the upload as finished and prints a summary
func (f *FileBar) Complete(ref *models.FileRef, instant bool, err error) {
	var msg string
	if err == nil {
		if f.bar != nil {
			// ENSURE exact 100% completion (no rounding errors)
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		msg = successLine(f.name, f.folderPath, ref, instant, f.size, time.Since(f.startTime))
	} else {
		if f.bar != nil {
			f.bar.Abort(false) // keep the failed bar visible
		}
		msg = failureLine(f.name, f.folderPath, err, int(f.retries.Load()))
	}

	// Write through mpb's writer (not stdout) to avoid triggering redraws
	fmt.Fprintln(f.ui.Writer(), msg)
	atomic.AddInt32(&f.ui.completed, 1)
}

// Wait blocks until all progress bars complete
func (u *UploadUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that safely prints above the progress bars
func (u *UploadUI) Writer() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return u.out
}

// IsTerminal returns true if output is to a terminal (progress bars are active).
func (u *UploadUI) IsTerminal() bool {
	return u.isTerminal
}

// Completed returns how many bars have finished.
func (u *UploadUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows for ANSI escape sequences
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
