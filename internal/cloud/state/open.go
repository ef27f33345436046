package state

import (
	"fmt"

	"github.com/rescale/chunkup/internal/config"
)

// Open returns the store selected by the [state] section of cfg.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.StateStore {
	case config.StateStoreMemory:
		return NewMemoryStore(), nil
	case config.StateStoreSQLite:
		return NewSQLiteStore(cfg.ResolvedStatePath())
	case config.StateStoreFile, "":
		return NewFileStore(cfg.ResolvedStatePath())
	default:
		return nil, fmt.Errorf("unknown state store %q", cfg.StateStore)
	}
}
