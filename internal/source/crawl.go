package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// crawl walks same-origin links breadth-first from seed. Every fetch attempt,
// failed or not, spends one unit of maxPages. URLs are marked visited when
// they enter the frontier so no normalized URL is fetched twice.
func (f *Fetcher) crawl(ctx context.Context, seed string, maxPages int) (pipeline.RawContent, error) {
	start, err := pipeline.NormalizeURL(seed)
	if err != nil {
		return pipeline.RawContent{}, &pipeline.ValidationError{Field: "source_url", Value: seed, Reason: err.Error()}
	}
	logger := f.logger.With(zap.String("seed", start), zap.Int("max_pages", maxPages))

	frontier := []string{start}
	seen := map[string]struct{}{start: {}}
	var (
		entries  []pipeline.RawEntry
		attempts int
		failures int
		lastErr  error
	)
	for len(frontier) > 0 && attempts < maxPages {
		if err := ctx.Err(); err != nil {
			return pipeline.RawContent{}, fmt.Errorf("crawl canceled after %d pages: %w", attempts, err)
		}
		current := frontier[0]
		frontier = frontier[1:]
		attempts++

		resp, err := f.fetchOne(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.RawContent{}, fmt.Errorf("crawl canceled after %d pages: %w", attempts, errors.Join(ctx.Err(), err))
			}
			failures++
			lastErr = err
			logger.Warn("crawl page failed", zap.String("url", current), zap.Error(err))
			continue
		}
		entries = append(entries, pipeline.RawEntry{
			ID:   current,
			Text: f.text.PageText(resp, current),
			Hint: pipeline.HintUnknown,
		})

		links := resp.Links
		if links == nil && isHTML(resp) {
			base := resp.URL
			if base == "" {
				base = current
			}
			links = extractLinks(resp.Body, base)
		}
		for _, link := range links {
			next, ok := f.admit(start, link)
			if !ok {
				continue
			}
			if _, dup := seen[next]; dup {
				continue
			}
			seen[next] = struct{}{}
			frontier = append(frontier, next)
		}
	}

	logger.Info("crawl finished",
		zap.Int("attempts", attempts),
		zap.Int("pages", len(entries)),
		zap.Int("failures", failures),
	)
	if len(entries) == 0 {
		return pipeline.RawContent{}, &pipeline.FetchError{Kind: pipeline.FetchNetwork, URL: seed, Err: fmt.Errorf("no pages fetched: %w", lastErr)}
	}
	return pipeline.RawContent{Entries: entries}, nil
}

// admit normalizes link and reports whether the crawl may follow it.
func (f *Fetcher) admit(origin, link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	normalized, err := pipeline.NormalizeURL(link)
	if err != nil {
		return "", false
	}
	if !pipeline.SameOrigin(origin, normalized) || !f.policy.AllowFetch(normalized) {
		return "", false
	}
	return normalized, true
}

func resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}
