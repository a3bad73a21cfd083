// Package source retrieves raw training content for a SourceDescriptor.
package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/dataset"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/policy/simple"
)

// Config bounds archive extraction and crawling.
type Config struct {
	// MaxFileBytes skips archive files larger than this many bytes.
	MaxFileBytes int64
	// MaxFiles caps the number of archive entries returned.
	MaxFiles int
	// PageTimeout bounds one page fetch including any retries of the wrapped
	// PageFetcher; zero leaves each attempt to the fetcher's own timeout.
	PageTimeout time.Duration
	// DenyDomains lists hosts a crawl never follows links to.
	DenyDomains []string
}

func (c Config) withDefaults() Config {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 1 << 20
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 5000
	}
	return c
}

// Fetcher resolves descriptors to raw content.
type Fetcher struct {
	pages   pipeline.PageFetcher
	cfg     Config
	policy  *simple.Policy
	text    *textExtractor
	logger  *zap.Logger
	builtin func() (*pipeline.Table, error)
}

// New builds a Fetcher that downloads through pages.
func New(pages pipeline.PageFetcher, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Fetcher{
		pages:   pages,
		cfg:     cfg,
		policy:  simple.New(cfg.DenyDomains),
		text:    newTextExtractor(),
		logger:  logger.Named("source"),
		builtin: dataset.Load,
	}
}

// Fetch retrieves the content named by desc. It is the single place where
// source kinds are distinguished.
func (f *Fetcher) Fetch(ctx context.Context, desc pipeline.SourceDescriptor) (pipeline.RawContent, error) {
	if err := desc.Validate(); err != nil {
		return pipeline.RawContent{}, err
	}
	switch desc.Kind {
	case pipeline.SourceDefault:
		table, err := f.builtin()
		if err != nil {
			return pipeline.RawContent{}, fmt.Errorf("load default dataset: %w", err)
		}
		return pipeline.RawContent{Table: table}, nil
	case pipeline.SourceArchive:
		return f.fetchArchive(ctx, desc.URL)
	case pipeline.SourcePage:
		return f.fetchPage(ctx, desc.URL)
	case pipeline.SourceCrawl:
		return f.crawl(ctx, desc.URL, desc.MaxPages)
	default:
		return pipeline.RawContent{}, &pipeline.ValidationError{Field: "data_source", Value: string(desc.Kind), Reason: "unknown source kind"}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, rawURL string) (pipeline.RawContent, error) {
	resp, err := f.fetchOne(ctx, rawURL)
	if err != nil {
		return pipeline.RawContent{}, err
	}
	id := resp.URL
	if id == "" {
		id = rawURL
	}
	return pipeline.RawContent{Entries: []pipeline.RawEntry{{
		ID:   id,
		Text: f.text.PageText(resp, rawURL),
		Hint: pipeline.HintUnknown,
	}}}, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) (pipeline.FetchResponse, error) {
	if f.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.PageTimeout)
		defer cancel()
	}
	return f.pages.Fetch(ctx, rawURL)
}
