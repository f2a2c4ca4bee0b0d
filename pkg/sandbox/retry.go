package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often Start is attempted.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy tries twice.
var DefaultRetryPolicy = RetryPolicy{Attempts: 2, Backoff: time.Second}

type retryingBackend struct {
	Backend
	policy RetryPolicy
}

// WithRetry wraps b so that transient Start failures are retried according to
// policy. Other operations pass through unchanged.
func WithRetry(b Backend, policy RetryPolicy) Backend {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &retryingBackend{Backend: b, policy: policy}
}

func (r *retryingBackend) Start(ctx context.Context, spec Spec) (*Unit, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		unit, err := r.Backend.Start(ctx, spec)
		if err == nil {
			return unit, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("Compute unit start failed", "backend", r.Name(), "attempt", attempt, "error", err)
		if attempt < r.policy.Attempts && r.policy.Backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.policy.Backoff):
			}
		}
	}

	var te *TransientError
	if errors.As(lastErr, &te) {
		return nil, &TransientError{Op: "start " + r.Name() + " unit", Attempts: r.policy.Attempts, Err: te.Err}
	}
	return nil, lastErr
}
