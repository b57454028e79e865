// Package errkind classifies failures into the daemon's error taxonomy and
// provides the shared retry policy LLM calls and probe calls use.
//
// The retry loop is grounded on the teacher's internal/compact/haiku.go
// (isRetryable + manual exponential backoff against the Anthropic API) but
// swaps the hand-rolled backoff.Duration(attempt) loop for
// github.com/cenkalti/backoff/v4, which the teacher already depends on
// (internal/storage/dolt/store.go) for exactly this purpose.
package errkind

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind is one entry in the daemon's error taxonomy (spec §7).
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuth           Kind = "auth"
	KindContextOverflow Kind = "context_overflow"
	KindTimeout        Kind = "timeout"
	KindToolError      Kind = "tool_error"
	KindNetwork        Kind = "network"
	KindAbort          Kind = "abort"
	KindOverloaded     Kind = "overloaded"
	KindUnknown        Kind = "unknown"
)

// Error is a classified failure with retry guidance.
type Error struct {
	Kind         Kind
	Message      string
	Retryable    bool
	RetryAfterMs int
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// FromHTTPStatus classifies an HTTP response status into a Kind, honoring
// Retry-After / retry-after-ms when present.
func FromHTTPStatus(status int, retryAfterMs int, message string, cause error) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Message: message, Retryable: false, Cause: cause}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Message: message, Retryable: true, RetryAfterMs: retryAfterMs, Cause: cause}
	case status == 529:
		return &Error{Kind: KindOverloaded, Message: message, Retryable: true, RetryAfterMs: retryAfterMs, Cause: cause}
	case status >= 500:
		return &Error{Kind: KindNetwork, Message: message, Retryable: true, RetryAfterMs: retryAfterMs, Cause: cause}
	default:
		return &Error{Kind: KindUnknown, Message: message, Retryable: false, Cause: cause}
	}
}

// Classify inspects a generic error (context cancellation, network timeout,
// or an already-classified *Error) and returns the taxonomy Kind plus
// whether it's retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindAbort, Message: "operation aborted", Retryable: false, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "operation timed out", Retryable: true, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "network timeout", Retryable: true, Cause: err}
	}
	return &Error{Kind: KindUnknown, Message: "unclassified error", Retryable: false, Cause: err}
}

// DefaultBackOff returns the daemon-wide retry schedule: 2s initial interval
// doubling to a 30s cap, at most 3 attempts (matching spec §7's "2s -> 30s
// capped, factor 2, max 3 attempts").
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed wall time
	// WithMaxRetries bounds retries (not total attempts), so 2 retries here
	// gives the spec's "max 3 attempts" (1 initial + 2 retries).
	return backoff.WithMaxRetries(b, 2)
}

// Retry runs op under the daemon's default backoff policy, respecting ctx
// cancellation. When a retryable error carries RetryAfterMs, Retry waits
// that long before handing the error back to the backoff loop, which then
// waits its own scheduled interval as well: RetryAfterMs is added to the
// backoff delay, not used in place of it.
func Retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.WithContext(DefaultBackOff(), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		classified := Classify(err)
		if !classified.Retryable {
			return backoff.Permanent(err)
		}
		if classified.RetryAfterMs > 0 {
			select {
			case <-time.After(time.Duration(classified.RetryAfterMs) * time.Millisecond):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, policy)
}
