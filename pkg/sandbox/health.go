package sandbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HealthPath is the liveness endpoint every bridge exposes.
const HealthPath = "/health"

// Readiness bounds the probe loop run after a unit is launched.
type Readiness struct {
	Interval time.Duration
	Attempts int
	Timeout  time.Duration
}

// Prober checks bridge liveness over HTTP.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber returns a prober whose single checks are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Check performs one GET against the endpoint's health path.
func (p *Prober) Check(ctx context.Context, endpoint string) bool {
	if endpoint == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+HealthPath, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitReady polls the endpoint until it answers, the attempt ceiling is
// reached, the overall timeout expires or exited is closed.
func (p *Prober) WaitReady(ctx context.Context, endpoint string, r Readiness, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	ticker := time.NewTicker(cmp.Or(r.Interval, 500*time.Millisecond))
	defer ticker.Stop()

	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if p.Check(ctx, endpoint) {
			slog.Debug("Compute unit ready", "endpoint", endpoint, "attempts", attempt)
			return nil
		}
		if attempt == r.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no answer from %s within %s", ErrUnitNotReady, endpoint, r.Timeout)
			}
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("%w: unit exited before becoming healthy", ErrUnitNotReady)
		case <-ticker.C:
		}
	}
	return fmt.Errorf("%w: %d failed health checks against %s", ErrUnitNotReady, r.Attempts, endpoint)
}
