package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rescale/chunkup/internal/constants"
)

const (
	recordExt = ".resume"
	lockExt   = ".lock"
)

// FileStore keeps one JSON file per record in a directory. Writes go through
// a temporary file and a rename so a crash never leaves a torn record.
type FileStore struct {
	dir string
}

// NewFileStore creates dir (mode 0700) if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key, ext string) string {
	return filepath.Join(f.dir, key+ext)
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key, recordExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return data, nil
}

func (f *FileStore) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return writeAtomic(f.path(key, recordExt), value)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key, recordExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (f *FileStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) Close() error { return nil }

type lockState struct {
	ProcessID  int       `json:"process_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Key        string    `json:"key"`
	Token      string    `json:"token,omitempty"`
}

// Lock implements Locker with a PID lock file next to the record. A lock is
// taken over when its owner is no longer running or it is older than
// constants.LockStaleTimeout. Within one process a held key is never handed
// out twice, and the returned release only removes the lock it created.
func (f *FileStore) Lock(_ context.Context, key string) (func(), error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	lockPath := f.path(key, lockExt)
	id := lockPath
	if abs, err := filepath.Abs(lockPath); err == nil {
		id = abs
	}
	token, ok := inProcess.acquire(id)
	if !ok {
		return nil, fmt.Errorf("%w (this process)", ErrLocked)
	}
	currentPID := os.Getpid()

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing lockState
		if json.Unmarshal(data, &existing) == nil && lockHeld(existing, currentPID) {
			inProcess.release(id, token)
			return nil, fmt.Errorf("%w (PID %d)", ErrLocked, existing.ProcessID)
		}
		os.Remove(lockPath)
	}

	data, _ := json.MarshalIndent(lockState{
		ProcessID:  currentPID,
		AcquiredAt: time.Now(),
		Key:        key,
		Token:      token,
	}, "", "  ")

	// O_EXCL so two processes racing past the check above cannot both win.
	fh, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		inProcess.release(id, token)
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := fh.Write(data)
	cerr := fh.Close()
	if werr != nil || cerr != nil {
		os.Remove(lockPath)
		inProcess.release(id, token)
		return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseLock(lockPath, token)
			inProcess.release(id, token)
		})
	}, nil
}

// lockHeld reports whether a lock written by another process is still live.
// A file carrying our own PID that no in-process holder owns is left over.
func lockHeld(l lockState, currentPID int) bool {
	if l.ProcessID == currentPID {
		return false
	}
	return time.Since(l.AcquiredAt) < constants.LockStaleTimeout && isProcessRunning(l.ProcessID)
}

func releaseLock(lockPath, token string) {
	if data, err := os.ReadFile(lockPath); err == nil {
		var current lockState
		if json.Unmarshal(data, &current) == nil && current.Token != token {
			return // taken over since
		}
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", lockPath).Msg("failed to release state lock")
	}
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
