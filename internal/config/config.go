// Package config provides configuration management for chunkup.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\chunkup\config.ini
//   - Unix: ~/.config/chunkup/config.ini
//
// INI format:
//
//	[platform]
//	api_url = https://drive.example.com/api
//	token = <bearer token>
//
//	[storage]
//	backend = api
//
//	[upload]
//	concurrency = 4
//	max_retries = 5
//	hash_algorithm = md5
//
//	[state]
//	store = file
//
//	[proxy]
//	mode = no-proxy
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/ini.v1"

	"github.com/rescale/chunkup/internal/constants"
)

// Storage backends
const (
	BackendAPI   = "api"
	BackendS3    = "s3"
	BackendAzure = "azure"
)

// State stores
const (
	StateStoreFile   = "file"
	StateStoreSQLite = "sqlite"
	StateStoreMemory = "memory"
)

// Proxy modes
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// Environment overrides
const (
	EnvToken  = "CHUNKUP_TOKEN"
	EnvAPIURL = "CHUNKUP_API_URL"
)

// Validation errors
var (
	ErrMissingAPIURL      = errors.New("api_url is required for the api backend")
	ErrMissingToken       = errors.New("token is required for the api backend")
	ErrMissingBucket      = errors.New("s3_bucket is required for the s3 backend")
	ErrMissingSASURL      = errors.New("azure_sas_url is required for the azure backend")
	ErrUnknownBackend     = errors.New("backend must be one of api, s3, azure")
	ErrUnknownStateStore  = errors.New("state store must be one of file, sqlite, memory")
	ErrInvalidConcurrency = fmt.Errorf("concurrency must be between 1 and %d", constants.MaxConcurrency)
	ErrInvalidTaskLimit   = errors.New("max_concurrent_tasks must be at least 1")
	ErrInvalidRetries     = errors.New("max_retries must not be negative")
	ErrInvalidRetryDelay  = errors.New("retry_initial_delay must be positive and not above retry_max_delay")
	ErrInvalidTimeout     = errors.New("chunk_timeout and request_timeout must be positive")
	ErrInvalidChunkSizes  = errors.New("min_chunk_size must not exceed max_chunk_size")
	ErrUnsupportedHash    = errors.New("hash_algorithm must be one of md5, sha256, blake3")
	ErrUnsupportedProxy   = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
	ErrInvalidRequestRate = errors.New("requests_per_second must not be negative")
	ErrInvalidHTTPRetries = errors.New("http_retries must not be negative")
)

// Config holds every setting of the tool.
type Config struct {
	// [platform]
	APIBaseURL        string
	Token             string
	HTTPRetries       int
	RequestsPerSecond float64

	// [storage]
	Backend        string
	S3Bucket       string
	S3Region       string
	S3Prefix       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	AzureSASURL    string
	AzurePrefix    string

	// [upload]
	Concurrency        int
	MaxConcurrentTasks int
	MaxRetries         int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	ChunkTimeout       time.Duration
	RequestTimeout     time.Duration
	HashAlgorithm      string
	MinChunkSize       int64 // 0 keeps the backend policy
	MaxChunkSize       int64 // 0 keeps the backend policy

	// [state]
	StateStore string
	StatePath  string

	// [proxy]
	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
	ProxyWarmup   bool
}

// New returns a Config with default values.
func New() *Config {
	return &Config{
		HTTPRetries:        constants.HTTPClientRetries,
		RequestsPerSecond:  constants.DefaultRequestsPerSecond,
		Backend:            BackendAPI,
		S3Region:           "us-east-1",
		Concurrency:        constants.DefaultConcurrency,
		MaxConcurrentTasks: constants.DefaultMaxConcurrentTasks,
		MaxRetries:         constants.MaxRetries,
		RetryInitialDelay:  constants.RetryInitialDelay,
		RetryMaxDelay:      constants.RetryMaxDelay,
		ChunkTimeout:       constants.ChunkTimeout,
		RequestTimeout:     constants.RequestTimeout,
		HashAlgorithm:      constants.DefaultHashAlgorithm,
		StateStore:         StateStoreFile,
		ProxyMode:          ProxyModeNone,
	}
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		iniFile, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.readINI(iniFile); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) readINI(f *ini.File) error {
	platform := f.Section("platform")
	cfg.APIBaseURL = platform.Key("api_url").MustString(cfg.APIBaseURL)
	cfg.Token = platform.Key("token").String()
	cfg.HTTPRetries = platform.Key("http_retries").MustInt(cfg.HTTPRetries)
	cfg.RequestsPerSecond = platform.Key("requests_per_second").MustFloat64(cfg.RequestsPerSecond)

	storage := f.Section("storage")
	cfg.Backend = strings.ToLower(storage.Key("backend").MustString(cfg.Backend))
	cfg.S3Bucket = storage.Key("s3_bucket").String()
	cfg.S3Region = storage.Key("s3_region").MustString(cfg.S3Region)
	cfg.S3Prefix = storage.Key("s3_prefix").String()
	cfg.S3Endpoint = storage.Key("s3_endpoint").String()
	cfg.S3AccessKey = storage.Key("s3_access_key").String()
	cfg.S3SecretKey = storage.Key("s3_secret_key").String()
	cfg.S3SessionToken = storage.Key("s3_session_token").String()
	cfg.AzureSASURL = storage.Key("azure_sas_url").String()
	cfg.AzurePrefix = storage.Key("azure_prefix").String()

	upload := f.Section("upload")
	cfg.Concurrency = upload.Key("concurrency").MustInt(cfg.Concurrency)
	cfg.MaxConcurrentTasks = upload.Key("max_concurrent_tasks").MustInt(cfg.MaxConcurrentTasks)
	cfg.MaxRetries = upload.Key("max_retries").MustInt(cfg.MaxRetries)
	cfg.RetryInitialDelay = upload.Key("retry_initial_delay").MustDuration(cfg.RetryInitialDelay)
	cfg.RetryMaxDelay = upload.Key("retry_max_delay").MustDuration(cfg.RetryMaxDelay)
	cfg.ChunkTimeout = upload.Key("chunk_timeout").MustDuration(cfg.ChunkTimeout)
	cfg.RequestTimeout = upload.Key("request_timeout").MustDuration(cfg.RequestTimeout)
	cfg.HashAlgorithm = strings.ToLower(upload.Key("hash_algorithm").MustString(cfg.HashAlgorithm))

	var err error
	if cfg.MinChunkSize, err = parseSize(upload.Key("min_chunk_size").String()); err != nil {
		return fmt.Errorf("min_chunk_size: %w", err)
	}
	if cfg.MaxChunkSize, err = parseSize(upload.Key("max_chunk_size").String()); err != nil {
		return fmt.Errorf("max_chunk_size: %w", err)
	}

	state := f.Section("state")
	cfg.StateStore = strings.ToLower(state.Key("store").MustString(cfg.StateStore))
	cfg.StatePath = state.Key("path").String()

	proxy := f.Section("proxy")
	cfg.ProxyMode = strings.ToLower(proxy.Key("mode").MustString(cfg.ProxyMode))
	cfg.ProxyHost = proxy.Key("host").String()
	cfg.ProxyPort = proxy.Key("port").MustInt(0)
	cfg.ProxyUser = proxy.Key("user").String()
	cfg.ProxyPassword = proxy.Key("password").String()
	cfg.NoProxy = proxy.Key("no_proxy").String()
	cfg.ProxyWarmup = proxy.Key("warmup").MustBool(false)
	return nil
}

// parseSize accepts human sizes such as "512KiB" or "5MB"; empty means unset.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIBaseURL = v
	}
}

// Save writes the configuration to an INI file.
// Creates parent directories if they don't exist. The token and secrets are
// stored in the file, so the file is written with mode 0600.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name   string
		values [][2]string
	}{
		{"platform", [][2]string{
			{"api_url", cfg.APIBaseURL},
			{"token", cfg.Token},
			{"http_retries", fmt.Sprintf("%d", cfg.HTTPRetries)},
			{"requests_per_second", fmt.Sprintf("%g", cfg.RequestsPerSecond)},
		}},
		{"storage", [][2]string{
			{"backend", cfg.Backend},
			{"s3_bucket", cfg.S3Bucket},
			{"s3_region", cfg.S3Region},
			{"s3_prefix", cfg.S3Prefix},
			{"s3_endpoint", cfg.S3Endpoint},
			{"s3_access_key", cfg.S3AccessKey},
			{"s3_secret_key", cfg.S3SecretKey},
			{"s3_session_token", cfg.S3SessionToken},
			{"azure_sas_url", cfg.AzureSASURL},
			{"azure_prefix", cfg.AzurePrefix},
		}},
		{"upload", [][2]string{
			{"concurrency", fmt.Sprintf("%d", cfg.Concurrency)},
			{"max_concurrent_tasks", fmt.Sprintf("%d", cfg.MaxConcurrentTasks)},
			{"max_retries", fmt.Sprintf("%d", cfg.MaxRetries)},
			{"retry_initial_delay", cfg.RetryInitialDelay.String()},
			{"retry_max_delay", cfg.RetryMaxDelay.String()},
			{"chunk_timeout", cfg.ChunkTimeout.String()},
			{"request_timeout", cfg.RequestTimeout.String()},
			{"hash_algorithm", cfg.HashAlgorithm},
			{"min_chunk_size", formatSize(cfg.MinChunkSize)},
			{"max_chunk_size", formatSize(cfg.MaxChunkSize)},
		}},
		{"state", [][2]string{
			{"store", cfg.StateStore},
			{"path", cfg.StatePath},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.ProxyMode},
			{"host", cfg.ProxyHost},
			{"port", fmt.Sprintf("%d", cfg.ProxyPort)},
			{"user", cfg.ProxyUser},
			{"no_proxy", cfg.NoProxy},
			{"warmup", fmt.Sprintf("%t", cfg.ProxyWarmup)},
		}},
	}
	for _, s := range sections {
		section, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func formatSize(n int64) string {
	if n == 0 {
		return ""
	}
	return units.BytesSize(float64(n))
}

// ResolvedStatePath returns StatePath or the default for the configured store.
func (cfg *Config) ResolvedStatePath() string {
	if cfg.StatePath != "" {
		return cfg.StatePath
	}
	return DefaultStatePath(cfg.StateStore)
}

// Validate checks if the configuration is usable.
// Returns nil if valid, or the first sentinel error describing what's wrong.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendAPI:
		if strings.TrimSpace(cfg.APIBaseURL) == "" {
			return ErrMissingAPIURL
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return ErrMissingToken
		}
	case BackendS3:
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return ErrMissingBucket
		}
	case BackendAzure:
		if strings.TrimSpace(cfg.AzureSASURL) == "" {
			return ErrMissingSASURL
		}
	default:
		return ErrUnknownBackend
	}

	switch cfg.StateStore {
	case StateStoreFile, StateStoreSQLite, StateStoreMemory:
	default:
		return ErrUnknownStateStore
	}

	switch cfg.HashAlgorithm {
	case "md5", "sha256", "blake3":
	default:
		return ErrUnsupportedHash
	}

	switch cfg.ProxyMode {
	case ProxyModeNone, ProxyModeSystem, ProxyModeBasic, ProxyModeNTLM, "":
	default:
		return ErrUnsupportedProxy
	}

	if cfg.Concurrency < 1 || cfg.Concurrency > constants.MaxConcurrency {
		return ErrInvalidConcurrency
	}
	if cfg.MaxConcurrentTasks < 1 {
		return ErrInvalidTaskLimit
	}
	if cfg.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if cfg.HTTPRetries < 0 {
		return ErrInvalidHTTPRetries
	}
	if cfg.RequestsPerSecond < 0 {
		return ErrInvalidRequestRate
	}
	if cfg.RetryInitialDelay <= 0 || cfg.RetryInitialDelay > cfg.RetryMaxDelay {
		return ErrInvalidRetryDelay
	}
	if cfg.ChunkTimeout <= 0 || cfg.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.MinChunkSize > 0 && cfg.MaxChunkSize > 0 && cfg.MinChunkSize > cfg.MaxChunkSize {
		return ErrInvalidChunkSizes
	}
	return nil
}
