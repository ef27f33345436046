// Package progress renders upload progress on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rescale/chunkup/internal/models"
)

var stderr = os.Stderr

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SingleUI shows one upload as a single progressbar line. Hashing and
// transfer reuse the same bar with a different description.
type SingleUI struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewSingleUI creates a single-bar UI writing to stderr.
func NewSingleUI() *SingleUI {
	return &SingleUI{out: stderr}
}

// AddFileBar implements ProgressUI. Only one bar is ever shown.
func (s *SingleUI) AddFileBar(name, folderID string, size int64) FileBarHandle {
	s.bar = progressbar.NewOptions64(size,
		progressbar.OptionSetDescription("hashing "+name),
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(s.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &singleBar{ui: s, name: name, folderID: folderID, size: size, start: time.Now()}
}

// SetFolderPath implements ProgressUI; the single bar does not show folders.
func (s *SingleUI) SetFolderPath(string, string) {}

// Wait implements ProgressUI.
func (s *SingleUI) Wait() {}

// Writer implements ProgressUI.
func (s *SingleUI) Writer() io.Writer { return s.out }

// IsTerminal implements ProgressUI.
func (s *SingleUI) IsTerminal() bool { return true }

type singleBar struct {
	ui       *SingleUI
	name     string
	folderID string
	size     int64
	start    time.Time

	mu        sync.Mutex
	uploading bool
	retries   int
}

func (b *singleBar) Hashed(n int64) {
	_ = b.ui.bar.Set64(n)
}

func (b *singleBar) Chunk(p models.ChunkProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.uploading {
		b.uploading = true
		b.start = time.Now()
		b.ui.bar.Reset()
		b.ui.bar.Describe("uploading " + b.name)
	}
	switch p.Status {
	case models.ChunkFailed:
		b.retries++
		b.ui.bar.Describe(fmt.Sprintf("uploading %s (retry %d)", b.name, b.retries))
	case models.ChunkAcked:
		_ = b.ui.bar.Set64(p.AckedBytes)
	}
}

func (b *singleBar) Complete(ref *models.FileRef, instant bool, err error) {
	if err != nil {
		_ = b.ui.bar.Exit()
		fmt.Fprintf(b.ui.out, "\n%s\n", failureLine(b.name, b.folderID, err, b.retries))
		return
	}
	_ = b.ui.bar.Finish()
	fmt.Fprintln(b.ui.out, successLine(b.name, b.folderID, ref, instant, b.size, time.Since(b.start)))
}

func successLine(name, folder string, ref *models.FileRef, instant bool, size int64, elapsed time.Duration) string {
	if instant {
		return fmt.Sprintf("✓ %s → %s (FileID: %s, %s, instant)", name, folder, ref.ID, units.BytesSize(float64(size)))
	}
	rate := ""
	if secs := elapsed.Seconds(); secs > 0 {
		rate = ", " + units.BytesSize(float64(size)/secs) + "/s"
	}
	return fmt.Sprintf("✓ %s → %s (FileID: %s, %s, %s%s)",
		name, folder, ref.ID, units.BytesSize(float64(size)), elapsed.Round(time.Second), rate)
}

func failureLine(name, folder string, err error, retries int) string {
	return fmt.Sprintf("✗ %s → %s: %v (after %d retries)", name, folder, err, retries)
}
