package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rescale/chunkup/internal/constants"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS locks (
	key         TEXT PRIMARY KEY,
	pid         INTEGER NOT NULL,
	acquired_at INTEGER NOT NULL,
	token       TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore keeps records in a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan record key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Lock implements Locker using the locks table. Liveness and staleness follow
// the same rules as FileStore, including in-process exclusivity.
func (s *SQLiteStore) Lock(ctx context.Context, key string) (func(), error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	id := s.path + "#" + key
	token, ok := inProcess.acquire(id)
	if !ok {
		return nil, fmt.Errorf("%w (this process)", ErrLocked)
	}
	release, err := s.lock(ctx, key, token)
	if err != nil {
		inProcess.release(id, token)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			inProcess.release(id, token)
		})
	}, nil
}

func (s *SQLiteStore) lock(ctx context.Context, key, token string) (func(), error) {
	pid := os.Getpid()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	var holder int
	var acquired int64
	err = tx.QueryRowContext(ctx, `SELECT pid, acquired_at FROM locks WHERE key = ?`, key).Scan(&holder, &acquired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read lock: %w", err)
	default:
		existing := lockState{ProcessID: holder, AcquiredAt: time.Unix(acquired, 0)}
		if lockHeld(existing, pid) {
			return nil, fmt.Errorf("%w (PID %d)", ErrLocked, holder)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (key, pid, acquired_at, token) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET pid = excluded.pid, acquired_at = excluded.acquired_at, token = excluded.token`,
		key, pid, time.Now().Unix(), token)
	if err != nil {
		return nil, fmt.Errorf("failed to write lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.CancelTimeout)
		defer cancel()
		s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token)
	}, nil
}
