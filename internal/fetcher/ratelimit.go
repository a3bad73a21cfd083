package fetcher

import (
	"context"

	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Waiter blocks until a request to rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Limited waits on a Waiter before every fetch and records fetch outcomes.
type Limited struct {
	next   pipeline.PageFetcher
	waiter Waiter
}

// WithRateLimit wraps next so that each call first waits on waiter.
func WithRateLimit(next pipeline.PageFetcher, waiter Waiter) *Limited {
	return &Limited{next: next, waiter: waiter}
}

// Fetch implements pipeline.PageFetcher.
func (l *Limited) Fetch(ctx context.Context, rawURL string) (pipeline.FetchResponse, error) {
	if l.waiter != nil {
		if err := l.waiter.Wait(ctx, rawURL); err != nil {
			return pipeline.FetchResponse{}, &pipeline.FetchError{Kind: pipeline.FetchNetwork, URL: rawURL, Err: err}
		}
	}
	resp, err := l.next.Fetch(ctx, rawURL)
	if err != nil {
		metrics.ObserveFetch(rawURL, pipeline.Classify(err), 0)
		return pipeline.FetchResponse{}, err
	}
	metrics.ObserveFetch(rawURL, "success", len(resp.Body))
	return resp, nil
}
