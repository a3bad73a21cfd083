package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Detector decides whether a plain response needs a headless re-fetch.
type Detector interface {
	ShouldPromote(resp pipeline.FetchResponse) bool
}

// Promoting fetches with a primary fetcher and repeats the request with a
// headless renderer when the detector flags the response. A failed headless
// fetch falls back to the primary response.
type Promoting struct {
	primary  pipeline.PageFetcher
	headless pipeline.PageFetcher
	detector Detector
	logger   *zap.Logger
}

// WithPromotion wraps primary. A nil headless fetcher disables promotion.
func WithPromotion(primary, headless pipeline.PageFetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{primary: primary, headless: headless, detector: detector, logger: logger}
}

// Fetch implements pipeline.PageFetcher.
func (p *Promoting) Fetch(ctx context.Context, rawURL string) (pipeline.FetchResponse, error) {
	resp, err := p.primary.Fetch(ctx, rawURL)
	if err != nil || p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, herr := p.headless.Fetch(ctx, rawURL)
	if herr != nil {
		if ctx.Err() != nil {
			return pipeline.FetchResponse{}, herr
		}
		p.logger.Warn("headless fetch failed; keeping plain response",
			zap.String("url", rawURL),
			zap.Error(herr),
		)
		return resp, nil
	}
	if len(rendered.Links) == 0 {
		rendered.Links = resp.Links
	}
	p.logger.Debug("promoted fetch to headless", zap.String("url", rawURL))
	return rendered, nil
}
