// Package fault defines the error taxonomy shared by every stage of the
// request pipeline. Each error carries a stable wire code and a message that
// is safe to return to a caller.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline error.
type Kind int

const (
	KindInternal Kind = iota
	KindFrameTooLarge
	KindTruncatedFrame
	KindSchemaViolation
	KindAuth
	KindRateLimited
	KindPath
	KindSandboxViolation
	KindSandboxTimeout
	KindHost
	KindNotFound
	KindMethodNotFound
)

// Code returns the wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindFrameTooLarge:
		return "frame_too_large"
	case KindTruncatedFrame:
		return "truncated_frame"
	case KindSchemaViolation:
		return "schema_violation"
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindPath:
		return "path_error"
	case KindSandboxViolation:
		return "sandbox_violation"
	case KindSandboxTimeout:
		return "sandbox_timeout"
	case KindHost:
		return "host_error"
	case KindNotFound:
		return "not_found"
	case KindMethodNotFound:
		return "method_not_found"
	default:
		return "internal"
	}
}

func (k Kind) String() string {
	return k.Code()
}

// Security reports whether errors of this kind are produced by a validation or
// security stage. Such errors never reach host state.
func (k Kind) Security() bool {
	switch k {
	case KindFrameTooLarge, KindTruncatedFrame, KindSchemaViolation, KindAuth,
		KindRateLimited, KindPath, KindSandboxViolation, KindSandboxTimeout:
		return true
	}
	return false
}

// Error is the concrete error type of the pipeline.
type Error struct {
	Kind    Kind
	Subtype string
	Message string
	// Field is the dotted path of the offending field for schema violations.
	Field string
	// RetryAfter is set for rate limiting and lockouts.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	var s string
	if e.Subtype != "" {
		s = fmt.Sprintf("%s (%s): %s", e.Kind.Code(), e.Subtype, e.Message)
	} else {
		s = fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
	}
	if e.Field != "" {
		s += " [field " + e.Field + "]"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the wire code.
func (e *Error) Code() string {
	return e.Kind.Code()
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that keeps cause for errors.Is/As.
// The cause is never included in the caller-facing message.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithSubtype returns a copy of e with the subtype set.
func (e *Error) WithSubtype(subtype string) *Error {
	c := *e
	c.Subtype = subtype
	return &c
}

func FrameTooLarge(size, limit uint64) *Error {
	return New(KindFrameTooLarge, "frame size %d exceeds limit %d", size, limit)
}

func TruncatedFrame(got, want int) *Error {
	return New(KindTruncatedFrame, "stream ended mid-frame (%d/%d bytes)", got, want)
}

func SchemaViolation(field, message string) *Error {
	return &Error{Kind: KindSchemaViolation, Field: field, Message: message}
}

func Auth(subtype, message string) *Error {
	return &Error{Kind: KindAuth, Subtype: subtype, Message: message}
}

// Locked is an auth error for a client inside its lockout period.
func Locked(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindAuth,
		Subtype:    "locked_out",
		Message:    "too many failed attempts, client is locked out",
		RetryAfter: retryAfter,
	}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func Path(subtype, message string) *Error {
	return &Error{Kind: KindPath, Subtype: subtype, Message: message}
}

func SandboxViolation(subtype, message string) *Error {
	return &Error{Kind: KindSandboxViolation, Subtype: subtype, Message: message}
}

func SandboxTimeout(limit time.Duration) *Error {
	return New(KindSandboxTimeout, "execution exceeded %s", limit)
}

// Host wraps an error returned by the host application. The host's message is
// passed through verbatim; the pipeline never interprets it.
func Host(cause error) *Error {
	msg := "host operation failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return &Error{Kind: KindHost, Message: msg, cause: cause}
}

func NotFound(what string) *Error {
	return New(KindNotFound, "%s not found", what)
}

func MethodNotFound(method string) *Error {
	return New(KindMethodNotFound, "unknown method %q", method)
}

// Internal hides cause behind a generic message.
func Internal(cause error) *Error {
	return Wrap(KindInternal, cause, "internal server error")
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// From converts any error into a *Error. Unknown errors become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	return Internal(err)
}
