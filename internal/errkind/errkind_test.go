package errkind

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusTooManyRequests, KindRateLimit, true},
		{529, KindOverloaded, true},
		{http.StatusInternalServerError, KindNetwork, true},
		{http.StatusTeapot, KindUnknown, false},
	}
	for _, c := range cases {
		e := FromHTTPStatus(c.status, 0, "x", nil)
		if e.Kind != c.wantKind {
			t.Errorf("status %d: kind=%s want %s", c.status, e.Kind, c.wantKind)
		}
		if e.Retryable != c.retryable {
			t.Errorf("status %d: retryable=%v want %v", c.status, e.Retryable, c.retryable)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return &Error{Kind: KindAuth, Message: "nope", Retryable: false}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetryRetriesRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &Error{Kind: KindNetwork, Message: "retry me", Retryable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if Classify(context.Canceled).Kind != KindAbort {
		t.Error("expected abort kind for context.Canceled")
	}
	if Classify(context.DeadlineExceeded).Kind != KindTimeout {
		t.Error("expected timeout kind for context.DeadlineExceeded")
	}
	if Classify(errors.New("boom")).Kind != KindUnknown {
		t.Error("expected unknown kind for plain error")
	}
}
