package localfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Source is a byte-range readable file. Implementations must allow
// concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// Section returns a reader over [offset, offset+length) of src.
func Section(src Source, offset, length int64) *io.SectionReader {
	return io.NewSectionReader(src, offset, length)
}

// File is a Source backed by a local file.
type File struct {
	f       *os.File
	path    string
	size    int64
	modTime time.Time
}

// Open opens path for reading. The size is captured once; a file that
// changes underneath an upload is detected by ReadAt failures or a
// fingerprint mismatch on the service side.
func Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	return &File{f: f, path: abs, size: info.Size(), modTime: info.ModTime()}, nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

// Name returns the base name of the file.
func (f *File) Name() string { return filepath.Base(f.path) }

// Size returns the size captured at Open.
func (f *File) Size() int64 { return f.size }

// Path returns the absolute path of the file.
func (f *File) Path() string { return f.path }

// ModTime returns the modification time captured at Open.
func (f *File) ModTime() time.Time { return f.modTime }

// Close closes the underlying file.
func (f *File) Close() error { return f.f.Close() }

// Bytes is an in-memory Source.
type Bytes struct {
	name string
	r    *bytes.Reader
}

// FromBytes returns a Source over data named name.
func FromBytes(name string, data []byte) *Bytes {
	return &Bytes{name: name, r: bytes.NewReader(data)}
}

// ReadAt implements io.ReaderAt.
func (b *Bytes) ReadAt(p []byte, off int64) (int, error) { return b.r.ReadAt(p, off) }

// Name returns the source name.
func (b *Bytes) Name() string { return b.name }

// Size returns the data length.
func (b *Bytes) Size() int64 { return b.r.Size() }
