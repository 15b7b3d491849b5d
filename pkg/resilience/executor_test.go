package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecute_RetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}, nil)

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "images.example.org", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExecute_DoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond}, nil)

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "h", func(context.Context) error {
		attempts++
		return errPermanent
	}, nil)
	if !errors.Is(err, errPermanent) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestExecute_OpensCircuitPerHost(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		BreakerEnabled:      true,
		BreakerMinRequests:  2,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  time.Minute,
	}, nil)

	errDown := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		_ = exec.Execute(context.Background(), "dead.example.org", func(context.Context) error { return errDown }, nil)
	}

	calls := 0
	err := exec.Execute(context.Background(), "dead.example.org", func(context.Context) error {
		calls++
		return nil
	}, nil)
	if !IsCircuitOpen(err) {
		t.Fatalf("error = %v, want open circuit", err)
	}
	if calls != 0 {
		t.Errorf("callback ran %d times through an open breaker", calls)
	}

	// Another host is unaffected.
	if err := exec.Execute(context.Background(), "alive.example.org", func(context.Context) error { return nil }, nil); err != nil {
		t.Errorf("healthy host error = %v", err)
	}
}

func TestExecute_StopsOnContextDone(t *testing.T) {
	exec := NewExecutor(Config{RetryMaxAttempts: 5, RetryInitialBackoff: time.Hour, RetryMaxBackoff: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errTemp := errors.New("temporary")
	start := time.Now()
	err := exec.Execute(ctx, "h", func(context.Context) error { return errTemp },
		func(error) ErrorClassification { return ErrorClassification{Retryable: true, RecordFailure: true} })
	if !errors.Is(err, errTemp) {
		t.Fatalf("error = %v, want last attempt error", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry loop ignored context deadline")
	}
}
