package train

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/booster"
	collyfetcher "github.com/JakeFAU/boostserve/internal/fetcher/colly"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	pubmemory "github.com/JakeFAU/boostserve/internal/publisher/memory"
	"github.com/JakeFAU/boostserve/internal/source"
	"github.com/JakeFAU/boostserve/internal/storage/memory"
)

type countingFetcher struct {
	calls atomic.Int32
	next  SourceFetcher
}

func (c *countingFetcher) Fetch(ctx context.Context, desc pipeline.SourceDescriptor) (pipeline.RawContent, error) {
	c.calls.Add(1)
	if c.next == nil {
		return pipeline.RawContent{}, fmt.Errorf("unexpected fetch")
	}
	return c.next.Fetch(ctx, desc)
}

type staticSource struct {
	content pipeline.RawContent
	err     error
}

func (s staticSource) Fetch(context.Context, pipeline.SourceDescriptor) (pipeline.RawContent, error) {
	return s.content, s.err
}

type harness struct {
	orch  *Orchestrator
	store *modelstore.Store
	pub   *pubmemory.Publisher
}

func newHarness(sources SourceFetcher) harness {
	store := modelstore.New(memory.NewBlobStore(), nil, modelstore.Config{}, zap.NewNop())
	pub := pubmemory.New()
	return harness{
		orch:  New(sources, booster.Trainer{}, store, pub, zap.NewNop()),
		store: store,
		pub:   pub,
	}
}

func TestTrainDefaultEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(source.New(nil, source.Config{}, zap.NewNop()))
	artifact, err := h.orch.Train(context.Background(), pipeline.DefaultFeatureConfig(), pipeline.DefaultSource(), "cancer")
	require.NoError(t, err)
	require.Equal(t, "cancer:1", artifact.Tag())
	require.Len(t, artifact.Columns, 30)
	require.Nil(t, artifact.Vectorizer)
	require.Equal(t, 30, artifact.Model.Features)
	require.Len(t, artifact.Model.Trees, 10)

	probs, err := artifact.Predict([][]float64{make([]float64, 30)})
	require.NoError(t, err)
	require.InDelta(t, 1, probs[0][0]+probs[0][1], 1e-9)

	events := h.pub.Topic(EventModelTrained)
	require.Len(t, events, 1)
	event, ok := events[0].(Event)
	require.True(t, ok)
	require.Equal(t, "cancer:1", event.Model)
	require.Equal(t, 569, event.Rows)
}

func TestTrainCrawlEndToEnd(t *testing.T) {
	t.Parallel()

	words := []string{"apple orchard harvest", "river boat journey", "mountain snow climb", "desert sand dune", "forest pine trail", "ocean wave surf"}
	mux := http.NewServeMux()
	for i := range words {
		path := fmt.Sprintf("/p%d", i)
		body := fmt.Sprintf(`<html><body><p>%s</p><a href="/p%d">next</a></body></html>`, words[i], i+1)
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pages := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	h := newHarness(source.New(pages, source.Config{PageTimeout: 2 * time.Second}, zap.NewNop()))
	cfg := pipeline.DefaultFeatureConfig()
	cfg.PositiveRatio = 0.4

	artifact, err := h.orch.Train(context.Background(), cfg, pipeline.CrawlSource(srv.URL+"/p0", 5), "crawl")
	require.NoError(t, err)
	require.True(t, artifact.TextModel())
	require.NotEmpty(t, artifact.Columns)
	require.LessOrEqual(t, len(artifact.Columns), cfg.MaxFeatures)

	event, ok := h.pub.Topic(EventModelTrained)[0].(Event)
	require.True(t, ok)
	require.Equal(t, 5, event.Rows)

	probs, err := artifact.PredictText([]string{"apple harvest", "unknown words"})
	require.NoError(t, err)
	require.Len(t, probs, 2)
}

func TestTrainRejectsInvalidParamsBeforeFetching(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*pipeline.FeatureConfig){
		"max_depth": func(c *pipeline.FeatureConfig) { c.MaxDepth = 0 },
		"eta":       func(c *pipeline.FeatureConfig) { c.Eta = 0 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			t.Parallel()
			fetcher := &countingFetcher{}
			h := newHarness(fetcher)
			cfg := pipeline.DefaultFeatureConfig()
			mutate(&cfg)

			_, err := h.orch.Train(context.Background(), cfg, pipeline.CrawlSource("https://example.com/", 3), "m")
			var vErr *pipeline.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, field, vErr.Field)
			require.Zero(t, fetcher.calls.Load())
		})
	}

	fetcher := &countingFetcher{}
	_, err := newHarness(fetcher).orch.Train(context.Background(), pipeline.DefaultFeatureConfig(), pipeline.PageSource("ftp://x"), "m")
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Zero(t, fetcher.calls.Load())
}

func TestTrainPropagatesStageErrorsUnchanged(t *testing.T) {
	t.Parallel()

	fetchErr := &pipeline.FetchError{Kind: pipeline.FetchNotFound, URL: "https://example.com/", StatusCode: 404}
	h := newHarness(staticSource{err: fetchErr})
	_, err := h.orch.Train(context.Background(), pipeline.DefaultFeatureConfig(), pipeline.PageSource("https://example.com/"), "m")
	require.Same(t, fetchErr, err)

	h = newHarness(staticSource{content: pipeline.RawContent{Entries: []pipeline.RawEntry{{ID: "a", Text: "!!! 123"}}}})
	_, err = h.orch.Train(context.Background(), pipeline.DefaultFeatureConfig(), pipeline.PageSource("https://example.com/"), "m")
	var empty *pipeline.EmptyContentError
	require.ErrorAs(t, err, &empty)

	h = newHarness(staticSource{content: pipeline.RawContent{Entries: []pipeline.RawEntry{{ID: "a", Text: "single page words"}}}})
	_, err = h.orch.Train(context.Background(), pipeline.DefaultFeatureConfig(), pipeline.PageSource("https://example.com/"), "m")
	var insufficient *pipeline.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)

	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, h.pub.Messages())
}

func TestTrainCanceledStoresNothing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(source.New(nil, source.Config{}, nil))
	_, err := h.orch.Train(ctx, pipeline.DefaultFeatureConfig(), pipeline.DefaultSource(), "cancer")
	require.ErrorIs(t, err, context.Canceled)

	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTrainVersionsIncrease(t *testing.T) {
	t.Parallel()

	h := newHarness(source.New(nil, source.Config{}, nil))
	cfg := pipeline.DefaultFeatureConfig()
	cfg.Rounds = 2
	first, err := h.orch.Train(context.Background(), cfg, pipeline.DefaultSource(), "cancer")
	require.NoError(t, err)
	second, err := h.orch.Train(context.Background(), cfg, pipeline.DefaultSource(), "cancer")
	require.NoError(t, err)
	require.Equal(t, first.Version+1, second.Version)
}
