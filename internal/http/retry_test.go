package http

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rescale/chunkup/internal/cloud"
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

// TestExecuteWithRetry_Success verifies basic success case returns nil on first attempt.
func TestExecuteWithRetry_Success(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

// TestExecuteWithRetry_TransientThenSuccess mirrors a chunk failing twice then succeeding.
func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, errType ErrorType) {
		retries = append(retries, attempt)
		if errType != ErrorTypeRetryable {
			t.Errorf("errType = %s, want retryable", ErrorTypeName(errType))
		}
	}

	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return cloud.NewError(cloud.KindTransient, "upload", errors.New("503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retry callbacks, got %v", retries)
	}
}

// TestExecuteWithRetry_Exhausted verifies MaxRetries+1 attempts and kind preservation.
func TestExecuteWithRetry_Exhausted(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastConfig(2), func() error {
		calls++
		return fmt.Errorf("connection reset by peer")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if cloud.KindOf(err) != cloud.KindTransient {
		t.Errorf("kind = %s, want transient", cloud.KindOf(err))
	}
}

// TestExecuteWithRetry_NonRetriable verifies no retry on fatal, auth and quota errors.
func TestExecuteWithRetry_NonRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"fatal", fmt.Errorf("400 bad request")},
		{"auth", cloud.NewError(cloud.KindAuth, "upload", nil)},
		{"quota", cloud.NewError(cloud.KindQuota, "upload", nil)},
		{"conflict", cloud.NewError(cloud.KindConflict, "merge", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := ExecuteWithRetry(context.Background(), fastConfig(5), func() error {
				calls++
				return tt.err
			})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if calls != 1 {
				t.Errorf("expected 1 call, got %d", calls)
			}
		})
	}
}

// TestExecuteWithRetry_CredentialRefresh verifies a single retry after refresh.
func TestExecuteWithRetry_CredentialRefresh(t *testing.T) {
	refreshes, calls := 0, 0
	cfg := fastConfig(5)
	cfg.CredentialRefresh = func(context.Context) error {
		refreshes++
		return nil
	}
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		return cloud.NewError(cloud.KindAuth, "register", nil)
	})
	if !errors.Is(err, cloud.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if refreshes != 1 || calls != 2 {
		t.Errorf("refreshes=%d calls=%d, want 1 and 2", refreshes, calls)
	}
}

// TestExecuteWithRetry_ContextCancelledDuringSleep verifies retry returns quickly when context cancelled.
func TestExecuteWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxRetries:   5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     30 * time.Second,
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := ExecuteWithRetry(ctx, cfg, func() error {
		return fmt.Errorf("connection reset")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick return after context cancel, but took %v", elapsed)
	}
}

// TestExecuteWithRetry_InsufficientDeadline verifies early exit when deadline < backoff.
func TestExecuteWithRetry_InsufficientDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := Config{
		MaxRetries:   5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     30 * time.Second,
	}

	start := time.Now()
	calls := 0
	err := ExecuteWithRetry(ctx, cfg, func() error {
		calls++
		return fmt.Errorf("i/o timeout")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick return due to insufficient deadline, but took %v", elapsed)
	}
	if calls < 1 {
		t.Errorf("expected at least 1 call, got %d", calls)
	}
}

func TestCalculateBackoff(t *testing.T) {
	if d := CalculateBackoff(0, time.Second, time.Minute); d != 0 {
		t.Errorf("attempt 0 backoff = %v, want 0", d)
	}
	for attempt := 1; attempt < 70; attempt++ {
		d := CalculateBackoff(attempt, 100*time.Millisecond, 2*time.Second)
		if d < 0 || d >= 2*time.Second {
			t.Fatalf("attempt %d backoff %v outside [0, 2s)", attempt, d)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{nil, ErrorTypeSuccess},
		{errors.New("connection refused"), ErrorTypeRetryable},
		{cloud.NewError(cloud.KindAuth, "", nil), ErrorTypeCredential},
		{context.Canceled, ErrorTypeCanceled},
		{cloud.NewError(cloud.KindQuota, "", nil), ErrorTypeFatal},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, ErrorTypeName(got), ErrorTypeName(tt.want))
		}
	}
}
