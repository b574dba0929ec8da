package repository

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestWithRetry_StopsOnContextCancel: пауза между повторами прерывается
// отменой контекста, вызывающий не ждёт исчерпания всех задержек.
func TestWithRetry_StopsOnContextCancel(t *testing.T) {
	r := &PostgresRepository{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	connErr := errors.New("dial tcp: connection refused")

	start := time.Now()
	err := r.withRetry(ctx, func() error { return connErr })
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("retry ignored cancellation, took %s", elapsed)
	}
}

func TestWithRetry_PermanentErrorSingleAttempt(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	permErr := errors.New("syntax error at or near")

	err := r.withRetry(context.Background(), func() error {
		calls++
		return permErr
	})

	if !errors.Is(err, permErr) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestWithRetry_ContextErrorNotRetried(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return context.DeadlineExceeded
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
