// Package apperr defines the closed set of failure kinds produced by the
// authenticated API access layer. Callers branch on Kind instead of matching
// error strings.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is a missing or invalid client configuration. Never retried.
	KindConfig
	// KindNotAuthenticated means no token was ever established.
	KindNotAuthenticated
	// KindReauthRequired means the stored credentials can no longer be refreshed.
	KindReauthRequired
	// KindStateMismatch is an OAuth state (anti-CSRF) mismatch. Always fatal.
	KindStateMismatch
	// KindAuthorization is a terminal error reported by the authorization server
	// (access_denied, invalid_grant, missing code, ...).
	KindAuthorization
	// KindDeviceExpired means the device code expired before the user approved it.
	KindDeviceExpired
	// KindTimeout is a per-request timeout.
	KindTimeout
	// KindTransport is a connection-level failure.
	KindTransport
	// KindRateLimited is HTTP 429.
	KindRateLimited
	// KindServer is HTTP 5xx.
	KindServer
	// KindAuthRequired is HTTP 401 from an upstream call: the token is dead.
	KindAuthRequired
	// KindHTTP is any other terminal non-success status.
	KindHTTP
	// KindNotReady is the "report still processing" signal on report downloads.
	KindNotReady
	// KindSchemaMismatch is a response body that violates its declared schema.
	KindSchemaMismatch
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindNotAuthenticated: "not_authenticated",
	KindReauthRequired:   "reauth_required",
	KindStateMismatch:    "state_mismatch",
	KindAuthorization:    "authorization",
	KindDeviceExpired:    "device_expired",
	KindTimeout:          "timeout",
	KindTransport:        "transport",
	KindRateLimited:      "rate_limited",
	KindServer:           "server",
	KindAuthRequired:     "auth_required",
	KindHTTP:             "http",
	KindNotReady:         "not_ready",
	KindSchemaMismatch:   "schema_mismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the fetch client may retry an attempt that failed
// with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindTransport, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// Error is the structured failure carried through the core.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "fetch", "device.poll".
	Op string
	// Status is the HTTP status when the failure came from a response.
	Status int
	// RetryAfter is the server-provided retry hint, if any.
	RetryAfter time.Duration
	// Code is the OAuth "error" field when the body carried one.
	Code string
	// Hint is human-readable detail (error_description, truncated body).
	Hint string
	// CorrelationID identifies the failing attempt in logs.
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Hint != "" {
		b.WriteString(": ")
		b.WriteString(e.Hint)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, op, hint string) *Error {
	return &Error{Kind: kind, Op: op, Hint: hint}
}

// Wrap attaches a kind to an existing error.
func Wrap(err error, kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
