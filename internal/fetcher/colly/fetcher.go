// Package collyfetcher implements pipeline.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the response body in bytes. Larger responses fail
	// with pipeline.ErrBodyTooLarge instead of being truncated.
	MaxBodySize int
}

const defaultMaxBodySize = 10 << 20

// Fetcher implements pipeline.PageFetcher with a fresh collector per call so
// that concurrent fetches never share visited state.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across calls.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch executes a single HTTP GET. HTML responses also report their
// absolute links in document order.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (pipeline.FetchResponse, error) {
	var (
		result   pipeline.FetchResponse
		status   int
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, time.Now(), &result, &status, &fetchErr)

	if err := runCollector(ctx, collector, rawURL); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still be writing to the locals above.
			return pipeline.FetchResponse{}, classify(ctx, rawURL, 0, err)
		}
		if fetchErr == nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		return pipeline.FetchResponse{}, classify(ctx, rawURL, status, fetchErr)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.MaxBodySize = f.cfg.MaxBodySize
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(&contextTransport{ctx: ctx, base: f.transport})
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *pipeline.FetchResponse,
	status *int,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		// colly stops reading at MaxBodySize without reporting it.
		if len(r.Body) >= f.cfg.MaxBodySize {
			*status = r.StatusCode
			*fetchErr = fmt.Errorf("%w: %d bytes", pipeline.ErrBodyTooLarge, f.cfg.MaxBodySize)
			return
		}
		*result = pipeline.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeader(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link != "" {
			result.Links = append(result.Links, link)
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(ctx context.Context, rawURL string, status int, err error) *pipeline.FetchError {
	fetchErr := &pipeline.FetchError{Kind: pipeline.FetchNetwork, URL: rawURL, StatusCode: status, Err: err}
	var netErr net.Error
	switch {
	case status != 0 && (status < 200 || status > 299):
		fetchErr.Kind = pipeline.FetchNotFound
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		fetchErr.Kind = pipeline.FetchNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		fetchErr.Kind = pipeline.FetchTimeout
	case ctx.Err() != nil:
		fetchErr.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return fetchErr
}

// contextTransport binds outgoing requests to the caller's context so that
// cancellation aborts in-flight connections.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, fmt.Errorf("roundtrip: %w", err)
	}
	return resp, nil
}

func cloneHeader(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
