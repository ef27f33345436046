package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
)

// Kind classifies failures by how the engine must react to them.
type Kind int

const (
	// KindFatal is any error that is neither retried nor specially handled.
	KindFatal Kind = iota
	// KindTransient is a network or service blip; retried with backoff.
	KindTransient
	// KindSourceRead means the local file could not be read.
	KindSourceRead
	// KindAuth means the credential was rejected; surfaced for re-authentication.
	KindAuth
	// KindQuota means the account is out of storage.
	KindQuota
	// KindConflict means local task state is stale (merged, expired, replaced);
	// the engine registers the upload again.
	KindConflict
	// KindCanceled means the caller canceled the operation.
	KindCanceled
)

// String returns the kind name used in logs and events.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSourceRead:
		return "source_read"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota_exceeded"
	case KindConflict:
		return "server_conflict"
	case KindCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrFatal         = errors.New("fatal error")
	ErrTransient     = errors.New("transient transport error")
	ErrSourceRead    = errors.New("source read error")
	ErrAuth          = errors.New("authentication rejected")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrConflict      = errors.New("server conflict")
	ErrCanceled      = errors.New("upload canceled")
)

var kindSentinels = map[Kind]error{
	KindFatal:      ErrFatal,
	KindTransient:  ErrTransient,
	KindSourceRead: ErrSourceRead,
	KindAuth:       ErrAuth,
	KindQuota:      ErrQuotaExceeded,
	KindConflict:   ErrConflict,
	KindCanceled:   ErrCanceled,
}

// Error is a classified failure. Chunks lists the indices still unacked when
// the error ended a transfer, so a later resume can target them.
type Error struct {
	Kind   Kind
	Op     string
	Chunks []int
	Err    error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Chunks) > 0 {
		fmt.Fprintf(&b, " (unacked chunks: %v)", e.Chunks)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel of e.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// WithChunks returns a copy of e carrying the given unacked chunk indices.
func (e *Error) WithChunks(chunks []int) *Error {
	c := *e
	c.Chunks = slices.Clone(chunks)
	return &c
}

// AsError returns err as an *Error, classifying it with KindOf when it is
// not one already.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(KindOf(err), op, err)
}

// KindOf classifies err. Typed errors win; otherwise context, network and
// message indicators decide, defaulting to KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	switch {
	case IsCredentialError(err):
		return KindAuth
	case IsQuotaError(err):
		return KindQuota
	case IsNetworkError(err):
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func containsAny(err error, indicators []string) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, indicator := range indicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// IsNetworkError checks if an error message looks network-related.
func IsNetworkError(err error) bool {
	return containsAny(err, []string{
		"connection",    // connection refused, connection reset, etc.
		"timeout",       // i/o timeout, dial timeout, etc.
		"network",       // network unreachable, network error, etc.
		"eof",           // unexpected EOF
		"broken pipe",   // broken pipe
		"tls handshake", // TLS handshake errors
	})
}

// IsCredentialError checks if an error message looks like a rejected credential.
func IsCredentialError(err error) bool {
	return containsAny(err, []string{
		"unauthorized",
		"expiredtoken",
		"invalid token",
		"authentication failed",
		"authenticationfailed",
		"access denied",
		"accessdenied",
		"signaturedoesnotmatch",
	})
}

// IsQuotaError checks if an error message looks like an exhausted quota.
func IsQuotaError(err error) bool {
	return containsAny(err, []string{
		"quota exceeded",
		"quotaexceeded",
		"insufficient storage",
		"storage limit",
	})
}
