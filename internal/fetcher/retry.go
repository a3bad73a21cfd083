// Package fetcher wraps pipeline.PageFetcher implementations with retry and
// rate limiting.
package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// ExponentialRetryPolicy retries transient failures with jittered backoff.
type ExponentialRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// ShouldRetry decides whether attempt (1-based) may be followed by another.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *pipeline.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retrying retries a PageFetcher according to an ExponentialRetryPolicy.
type Retrying struct {
	next   pipeline.PageFetcher
	policy *ExponentialRetryPolicy
	logger *zap.Logger
}

// WithRetry wraps next. A nil policy uses NewExponentialRetryPolicy.
func WithRetry(next pipeline.PageFetcher, policy *ExponentialRetryPolicy, logger *zap.Logger) *Retrying {
	if policy == nil {
		policy = NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, policy: policy, logger: logger}
}

// Fetch implements pipeline.PageFetcher.
func (r *Retrying) Fetch(ctx context.Context, rawURL string) (pipeline.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := r.next.Fetch(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !r.policy.ShouldRetry(err, attempt) {
			return pipeline.FetchResponse{}, err
		}
		wait := r.policy.Backoff(attempt - 1)
		r.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.ObserveRetry(rawURL)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Keep the last attempt's FetchError reachable through errors.As.
			return pipeline.FetchResponse{}, fmt.Errorf("retry backoff canceled: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}
