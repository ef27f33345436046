package localfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestIsHiddenName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".hidden", true},
		{".", false},
		{"..", false},
		{"visible.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsHiddenName(tt.name); got != tt.want {
			t.Errorf("IsHiddenName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOpen_ReadsRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Size() != 10 || src.Name() != "data.bin" {
		t.Errorf("got size %d name %q", src.Size(), src.Name())
	}

	data, err := io.ReadAll(Section(src, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "3456" {
		t.Errorf("section = %q, want %q", data, "3456")
	}
}

func TestOpen_Directory(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("expected error opening a directory")
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden_file"), []byte("h"), 0644)
	os.MkdirAll(filepath.Join(dir, "subdir"), 0755)
	os.WriteFile(filepath.Join(dir, "subdir", "file2.txt"), []byte("2"), 0644)
	os.MkdirAll(filepath.Join(dir, ".hidden_dir"), 0755)
	os.WriteFile(filepath.Join(dir, ".hidden_dir", "file3.txt"), []byte("3"), 0644)

	t.Run("exclude hidden", func(t *testing.T) {
		files, err := CollectFiles([]string{dir}, CollectOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 2 {
			t.Errorf("got %d files, want 2: %v", len(files), files)
		}
	})

	t.Run("include hidden", func(t *testing.T) {
		files, err := CollectFiles([]string{dir}, CollectOptions{IncludeHidden: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 4 {
			t.Errorf("got %d files, want 4: %v", len(files), files)
		}
	})

	t.Run("explicit hidden file and duplicates", func(t *testing.T) {
		hidden := filepath.Join(dir, ".hidden_file")
		files, err := CollectFiles([]string{hidden, hidden}, CollectOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 1 {
			t.Errorf("got %v, want the hidden file once", files)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := CollectFiles([]string{filepath.Join(dir, "nope")}, CollectOptions{}); err == nil {
			t.Error("expected error for missing path")
		}
	})
}
