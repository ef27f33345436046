package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "chunkup"

// ConfigDirectory returns the directory holding the config file and,
// by default, persisted upload state.
//
// Locations:
//   - Windows: %USERPROFILE%\.config\chunkup
//   - Unix: ~/.config/chunkup
func ConfigDirectory() string {
	if runtime.GOOS == "windows" {
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, ".config", appDirName)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName)
	}
	return filepath.Join(home, ".config", appDirName)
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(ConfigDirectory(), "config.ini")
}

// DefaultStatePath returns the default location for the given store kind:
// a directory for the file store, a database file for sqlite.
func DefaultStatePath(store string) string {
	if store == StateStoreSQLite {
		return filepath.Join(ConfigDirectory(), "uploads.db")
	}
	return filepath.Join(ConfigDirectory(), "uploads")
}
