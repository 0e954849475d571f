package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across clients.
var (
	// ErrNotFound reports that the per-entity source has no record for the
	// requested entity. Recorded against the entity, never retried.
	ErrNotFound = errors.New("entity not found")

	// ErrNoEntityKey reports that the caller supplied no source-native key,
	// so no per-entity lookup is possible.
	ErrNoEntityKey = errors.New("no entity key for per-entity lookup")
)

// TransientError is a retryable source failure: timeout, 5xx or throttling.
type TransientError struct {
	Source     string
	StatusCode int
	Throttled  bool
	Err        error
}

func (e *TransientError) Error() string {
	if e.Throttled {
		return fmt.Sprintf("%s: throttled (status %d)", e.Source, e.StatusCode)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d)", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a non-retryable source failure: a 4xx other than
// throttling, malformed credentials or an unparseable response.
type PermanentError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: permanent failure (status %d)", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("%s: permanent failure: %v", e.Source, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is eligible for retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsThrottled reports whether err was caused by source throttling (HTTP 429).
func IsThrottled(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Throttled
}

// IsNotFound reports whether err means the entity does not exist at the source.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyStatus converts a non-2xx HTTP status into the error taxonomy:
// 429 and 5xx are transient, everything else is permanent.
func classifyStatus(source string, statusCode int) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &TransientError{Source: source, StatusCode: statusCode, Throttled: true}
	case statusCode >= 500:
		return &TransientError{Source: source, StatusCode: statusCode}
	default:
		return &PermanentError{Source: source, StatusCode: statusCode}
	}
}

// classifyTransport converts a transport-level failure. If the caller's own
// context is done its error passes through untouched so cancellation and
// per-entity deadlines abort cleanly; everything else (timeouts, refused
// connections, DNS failures) is transient.
func classifyTransport(ctx context.Context, source string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransientError{Source: source, Err: err}
}
