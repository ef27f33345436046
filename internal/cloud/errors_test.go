package cloud

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", NewError(KindQuota, "upload", errors.New("x")), KindQuota},
		{"wrapped typed", fmt.Errorf("outer: %w", NewError(KindConflict, "merge", nil)), KindConflict},
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"unexpected eof", errors.New("unexpected EOF"), KindTransient},
		{"unauthorized", errors.New("401 Unauthorized"), KindAuth},
		{"quota", errors.New("storage quota exceeded for user"), KindQuota},
		{"unknown", errors.New("something odd"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("task failed: %w", NewError(KindAuth, "register", errors.New("token rejected")))
	if !errors.Is(err, ErrAuth) {
		t.Error("expected errors.Is(err, ErrAuth)")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Error("auth error matched quota sentinel")
	}
}

func TestError_WithChunks(t *testing.T) {
	base := NewError(KindTransient, "upload chunk", errors.New("timeout"))
	withChunks := base.WithChunks([]int{3, 7})
	if len(base.Chunks) != 0 {
		t.Error("WithChunks modified the receiver")
	}
	want := "upload chunk: transient: timeout (unacked chunks: [3 7])"
	if got := withChunks.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsError(t *testing.T) {
	if AsError("op", nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	typed := NewError(KindConflict, "merge", nil)
	if AsError("other", typed) != typed {
		t.Error("AsError should return existing *Error")
	}
	got := AsError("probe", errors.New("i/o timeout"))
	if got.Kind != KindTransient || got.Op != "probe" {
		t.Errorf("got %+v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(KindTransient, "", nil)) {
		t.Error("transient should be retryable")
	}
	for _, k := range []Kind{KindAuth, KindQuota, KindConflict, KindSourceRead, KindFatal, KindCanceled} {
		if IsRetryable(NewError(k, "", nil)) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
