package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	exec := NewExecutor(Config{RetryMaxAttempts: 1, BreakerEnabled: false})

	got, err := Call(context.Background(), exec, "embed", func(context.Context) ([]float32, error) {
		return []float32{1, 2}, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestAttemptTimeoutBoundsEachCall(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts: 1,
		AttemptTimeout:   10 * time.Millisecond,
		BreakerEnabled:   false,
	})

	err := exec.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, TransientClassifier)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	mapped := MapError("ollama.embed", err)
	if !domain.IsKind(mapped, domain.ErrTimeout) {
		t.Fatalf("expected timeout kind, got %v", mapped)
	}
}

func TestMapErrorTreatsOpenCircuitAsUnavailable(t *testing.T) {
	mapped := MapError("qdrant.search", gobreaker.ErrOpenState)
	if !domain.IsKind(mapped, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", mapped)
	}
	if !IsCircuitOpen(mapped) {
		t.Fatalf("expected circuit open to survive wrapping")
	}
}

func TestTransientClassifierSkipsInvalidInput(t *testing.T) {
	class := TransientClassifier(domain.WrapError(domain.ErrInvalidInput, "op", errors.New("bad")))
	if class.Retryable || class.RecordFailure {
		t.Fatalf("unexpected classification: %+v", class)
	}
}

func TestStateListenerSeesBreakerOpen(t *testing.T) {
	var transitions []string
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	}).WithStateListener(func(operation string, from, to gobreaker.State) {
		transitions = append(transitions, operation+":"+from.String()+"->"+to.String())
	})

	_ = exec.Execute(context.Background(), "cache.l2", func(context.Context) error {
		return errors.New("connection refused")
	}, TransientClassifier)

	if len(transitions) != 1 || transitions[0] != "cache.l2:closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
