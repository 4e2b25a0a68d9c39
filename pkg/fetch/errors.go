package fetch

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fetch failure.
type Kind string

const (
	// KindAuth means the provider rejected the request for lack of, or
	// because of, credentials.
	KindAuth Kind = "auth"
	// KindRateLimit means the retry budget ran out under rate limiting.
	KindRateLimit Kind = "rate_limit"
	// KindTransient means timeouts or server errors outlasted the retries.
	KindTransient Kind = "transient"
	// KindNotFound is a 404; never retried.
	KindNotFound Kind = "not_found"
	// KindInvalid covers other client errors and unreadable bodies.
	KindInvalid Kind = "invalid"
	// KindCanceled means the fetch was abandoned because its batch failed.
	KindCanceled Kind = "canceled"
)

// Sentinel errors matched by (*Error).Is.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrTransient   = errors.New("transient fetch error")
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid response")
	ErrCanceled    = errors.New("fetch canceled")
)

var sentinels = map[Kind]error{
	KindAuth:      ErrAuth,
	KindRateLimit: ErrRateLimited,
	KindTransient: ErrTransient,
	KindNotFound:  ErrNotFound,
	KindInvalid:   ErrInvalid,
	KindCanceled:  ErrCanceled,
}

// Error is a terminal fetch failure.
type Error struct {
	Kind     Kind
	URL      string
	Status   int
	Attempts int
	// Authenticated is true when credentials were sent with the failing request.
	Authenticated bool
	Err           error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, sentinels[e.Kind])
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the kind is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// CredentialsRejected reports whether the provider refused credentials that
// were actually sent.
func (e *Error) CredentialsRejected() bool {
	return e.Kind == KindAuth && e.Authenticated
}

// KindOf returns the kind of a fetch error, or "" for other errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
