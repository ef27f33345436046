package upload

import (
	"time"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
	inthttp "github.com/rescale/chunkup/internal/http"
)

// Config holds the engine defaults applied to every task.
type Config struct {
	Concurrency   int
	HashAlgorithm string
	ChunkDigests  bool // send a digest with every chunk

	// MinChunkSize and MaxChunkSize override the backend policy when positive.
	MinChunkSize int64
	MaxChunkSize int64

	Retry              inthttp.Config
	RequestTimeout     time.Duration // per attempt of probe, register, merge
	ChunkTimeout       time.Duration // per attempt of a chunk transfer
	CancelTimeout      time.Duration
	MaxConflictRetries int
	SaveInterval       time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        constants.DefaultConcurrency,
		HashAlgorithm:      constants.DefaultHashAlgorithm,
		Retry:              inthttp.DefaultConfig(),
		RequestTimeout:     constants.RequestTimeout,
		ChunkTimeout:       constants.ChunkTimeout,
		CancelTimeout:      constants.CancelTimeout,
		MaxConflictRetries: constants.MaxConflictRetries,
		SaveInterval:       constants.StateSaveInterval,
	}
}

// ConfigFrom maps the [upload] section of cfg onto engine defaults.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Concurrency = cfg.Concurrency
	c.HashAlgorithm = cfg.HashAlgorithm
	c.MinChunkSize = cfg.MinChunkSize
	c.MaxChunkSize = cfg.MaxChunkSize
	c.Retry.MaxRetries = cfg.MaxRetries
	c.Retry.InitialDelay = cfg.RetryInitialDelay
	c.Retry.MaxDelay = cfg.RetryMaxDelay
	c.RequestTimeout = cfg.RequestTimeout
	c.ChunkTimeout = cfg.ChunkTimeout
	return c
}

// policy returns the chunk policy for svc with the configured overrides.
func (c Config) policy(svc cloud.StorageService) chunker.Policy {
	p := chunker.DefaultPolicy()
	if pp, ok := svc.(cloud.ChunkPolicyProvider); ok {
		p = pp.ChunkPolicy()
	}
	if c.MinChunkSize > 0 {
		p.MinChunkSize = c.MinChunkSize
	}
	if c.MaxChunkSize > 0 {
		p.MaxChunkSize = c.MaxChunkSize
	}
	return p
}
