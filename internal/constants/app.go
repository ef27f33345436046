package constants

import (
	"time"
)

// Chunk sizing. The default policy targets DefaultTargetChunks chunks per file and
// clamps the result to [DefaultMinChunkSize, DefaultMaxChunkSize], rounded up to
// DefaultChunkStep.
const (
	// DefaultMinChunkSize - smallest chunk the adaptive policy produces (512 KB)
	DefaultMinChunkSize = 512 * 1024

	// DefaultMaxChunkSize - largest chunk the adaptive policy produces (5 MB)
	DefaultMaxChunkSize = 5 * 1024 * 1024

	// DefaultChunkStep - granularity chunk sizes are rounded up to (256 KB)
	DefaultChunkStep = 256 * 1024

	// DefaultTargetChunks - number of chunks the policy aims for
	DefaultTargetChunks = 50

	// MinPartSize - AWS S3 minimum part size (5 MB, except last part)
	MinPartSize = 5 * 1024 * 1024

	// MaxS3ChunkSize - largest part the S3 policy produces (64 MB)
	MaxS3ChunkSize = 64 * 1024 * 1024

	// S3ChunkStep - S3 part sizes are rounded up to whole MB
	S3ChunkStep = 1024 * 1024

	// MaxS3Parts - S3 limit on parts per multipart upload
	MaxS3Parts = 10000

	// MaxAzureBlocks - Azure limit on blocks per blob
	MaxAzureBlocks = 50000
)

// Hashing
const (
	// HashBlockSize - read size used while fingerprinting (1 MB)
	HashBlockSize = 1024 * 1024

	// DefaultHashAlgorithm - digest used for file fingerprints
	DefaultHashAlgorithm = "md5"
)

// Retry configuration
const (
	// MaxRetries - retries after the first attempt for transient errors
	MaxRetries = 5

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second

	// MaxConflictRetries - fresh register-or-resume attempts after a server conflict
	MaxConflictRetries = 3

	// HTTPClientRetries - transport level retries performed by retryablehttp
	HTTPClientRetries = 2
)

// Concurrency
const (
	// DefaultConcurrency - concurrent chunk transfers per task
	DefaultConcurrency = 4

	// MaxConcurrency - upper bound accepted for per-task concurrency
	MaxConcurrency = 32

	// DefaultMaxConcurrentTasks - tasks allowed to transfer at the same time
	DefaultMaxConcurrentTasks = 3
)

// Timeouts
const (
	// ChunkTimeout - deadline for a single chunk transfer attempt (10 minutes)
	ChunkTimeout = 10 * time.Minute

	// RequestTimeout - deadline for dedup probe, registration, merge and cancel calls
	RequestTimeout = 2 * time.Minute

	// CancelTimeout - deadline for the best-effort cancel notification
	CancelTimeout = 15 * time.Second

	// HTTPDialTimeout - TCP connect timeout
	HTTPDialTimeout = 30 * time.Second

	// HTTPTLSHandshakeTimeout - TLS handshake timeout
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPResponseHeaderTimeout - time to wait for response headers
	HTTPResponseHeaderTimeout = 60 * time.Second

	// HTTPIdleConnTimeout - idle keep-alive connection lifetime
	HTTPIdleConnTimeout = 90 * time.Second
)

// Persistence
const (
	// StateSaveInterval - minimum time between persisted progress writes
	StateSaveInterval = 1 * time.Second

	// MaxResumeAge - persisted records older than this are not resumed (7 days)
	MaxResumeAge = 7 * 24 * time.Hour

	// LockStaleTimeout - lock files older than this are considered abandoned
	LockStaleTimeout = 30 * time.Minute
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressRefreshRate - refresh interval for terminal progress bars
	ProgressRefreshRate = 300 * time.Millisecond
)

// Rate limiting for the HTTP storage backend
const (
	// DefaultRequestsPerSecond - sustained request rate to the storage API
	DefaultRequestsPerSecond = 20.0

	// DefaultRequestBurst - short burst allowance above the sustained rate
	DefaultRequestBurst = 40
)
