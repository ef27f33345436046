package localfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CollectOptions configures CollectFiles.
type CollectOptions struct {
	// IncludeHidden includes hidden files and directories.
	// Default is false (hidden items excluded).
	IncludeHidden bool
}

// CollectFiles expands paths into regular files. Directories are walked
// depth-first; explicitly named files are always included, hidden or not.
// Duplicate paths are returned once.
func CollectFiles(paths []string, opts CollectOptions) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(abs)
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Skip entries we can't access
				return nil
			}
			if path != abs && !opts.IncludeHidden && IsHiddenName(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", abs, err)
		}
	}
	return out, nil
}
