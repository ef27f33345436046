// Package api implements cloud.StorageService over the storage platform's
// chunked upload endpoints (/file/chunk/*).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/ratelimit"
	"github.com/rescale/chunkup/internal/version"
)

// maxResponseBody bounds how much of a response envelope is read.
const maxResponseBody = 4 << 20

// TokenRefresher returns a fresh bearer token after the current one was rejected.
type TokenRefresher func(ctx context.Context) (string, error)

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Client talks to the storage platform. It is safe for concurrent use.
type Client struct {
	http      *retryablehttp.Client
	baseURL   string
	limiter   *ratelimit.RateLimiter // nil when requests_per_second is 0
	refresher TokenRefresher
	logger    *logging.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithTokenRefresher installs a refresher tried once when a request is
// answered with 401.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *nethttp.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// NewClient creates a new API client from the [platform] and [proxy]
// sections of cfg.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("API base URL is empty")
	}

	httpClient, err := inthttp.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.HTTPRetries
	retryClient.RetryWaitMin = constants.RetryInitialDelay
	retryClient.RetryWaitMax = 2 * time.Second
	// Hand the final response back so status codes can be mapped to kinds.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		http:    retryClient,
		baseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		logger:  logging.NewNop(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = ratelimit.NewRateLimiter(cfg.RequestsPerSecond, constants.DefaultRequestBurst)
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient.Logger = &retryLogger{logger: c.logger}
	retryClient.ResponseLogHook = func(_ retryablehttp.Logger, resp *nethttp.Response) {
		if resp.StatusCode == nethttp.StatusTooManyRequests {
			c.throttled(resp)
		}
	}
	return c, nil
}

// throttled applies a server Retry-After to the shared limiter so every
// worker backs off, not only the one that was told to.
func (c *Client) throttled(resp *nethttp.Response) {
	wait := time.Second
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	c.logger.Warn().
		Str("path", resp.Request.URL.Path).
		Dur("retry_after", wait).
		Msg("throttled by storage service")
	if c.limiter != nil {
		c.limiter.SetCooldown(wait)
	}
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) refreshToken(ctx context.Context) error {
	token, err := c.refresher(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// do sends a POST with the given body and decodes the envelope's data into
// out. A 401 triggers one token refresh when a refresher is configured.
func (c *Client) do(ctx context.Context, op, path, contentType string, body []byte, out interface{}) (int, error) {
	code, data, err := c.send(ctx, op, path, contentType, body)
	if err != nil && c.refresher != nil && cloud.KindOf(err) == cloud.KindAuth && code == nethttp.StatusUnauthorized {
		c.logger.Debug().Str("op", op).Msg("token rejected, refreshing")
		if rerr := c.refreshToken(ctx); rerr != nil {
			return code, cloud.NewError(cloud.KindAuth, op, fmt.Errorf("token refresh failed: %w", rerr))
		}
		code, data, err = c.send(ctx, op, path, contentType, body)
	}
	if err != nil {
		return code, err
	}
	if out != nil && len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, out); err != nil {
			return code, cloud.NewError(cloud.KindFatal, op, fmt.Errorf("failed to decode response data: %w", err))
		}
	}
	return code, nil
}

// send performs one logical request and returns the effective status code:
// the envelope code when present, else the HTTP status.
func (c *Client) send(ctx context.Context, op, path, contentType string, body []byte) (int, json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, cloud.NewError(cloud.KindOf(err), op, fmt.Errorf("rate limiter cancelled: %w", err))
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, nil, cloud.NewError(cloud.KindFatal, op, fmt.Errorf("failed to create request: %w", err))
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := c.http.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		c.logger.Debug().Str("op", op).Str("request_id", requestID).Err(err).Msg("request failed")
		return 0, nil, cloud.NewError(cloud.KindOf(err), op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, cloud.NewError(cloud.KindTransient, op, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug().
		Str("op", op).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("storage request")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr != nil || env.Code == 0 {
		// Not an envelope; the HTTP status decides
		if resp.StatusCode/100 == 2 {
			if decodeErr != nil {
				return resp.StatusCode, nil, cloud.NewError(cloud.KindFatal, op, fmt.Errorf("malformed response: %w", decodeErr))
			}
			return resp.StatusCode, env.Data, nil
		}
		return resp.StatusCode, nil, statusError(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, nil, statusError(op, resp.StatusCode, env.Message)
	}
	if env.Code != codeOK && env.Code != codeAlreadyMerged {
		return env.Code, nil, statusError(op, env.Code, env.Message)
	}
	return env.Code, env.Data, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out interface{}) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, cloud.NewError(cloud.KindFatal, op, fmt.Errorf("failed to marshal request body: %w", err))
	}
	return c.do(ctx, op, path, "application/json", body, out)
}

func (c *Client) postMultipart(ctx context.Context, op, path string, buf *bytes.Buffer, contentType string) error {
	_, err := c.do(ctx, op, path, contentType, buf.Bytes(), nil)
	return err
}
