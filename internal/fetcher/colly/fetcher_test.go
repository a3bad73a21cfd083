package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

func TestFetchHTMLCollectsLinks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><a href="/b">b</a><a href="c?x=1">c</a><a href="https://other.example/">o</a></body></html>`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "boost-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), srv.URL+"/a/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "boost-test", resp.Headers.Get("X-Agent"))
	require.Contains(t, string(resp.Body), "<a href")
	require.Equal(t, []string{srv.URL + "/b", srv.URL + "/a/c?x=1", "https://other.example/"}, resp.Links)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), srv.URL+"/missing")
	var fetchErr *pipeline.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, pipeline.FetchNotFound, fetchErr.Kind)
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	_, err := New(Config{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), srv.URL)
	var fetchErr *pipeline.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, pipeline.FetchTimeout, fetchErr.Kind)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), addr)
	var fetchErr *pipeline.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, pipeline.FetchNetwork, fetchErr.Kind)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(make([]byte, 4096))
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{Timeout: time.Second, MaxBodySize: 1024}).Fetch(context.Background(), srv.URL+"/repo.zip")
	require.ErrorIs(t, err, pipeline.ErrBodyTooLarge)
	var fetchErr *pipeline.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.False(t, fetchErr.Retryable())

	resp, err := New(Config{Timeout: time.Second, MaxBodySize: 8192}).Fetch(context.Background(), srv.URL+"/repo.zip")
	require.NoError(t, err)
	require.Len(t, resp.Body, 4096)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var (
		result   pipeline.FetchResponse
		status   int
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &status, &fetchErr)
	if hooks.onResponse == nil || hooks.onHTML == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}
	if hooks.selector != "a[href]" {
		t.Fatalf("unexpected selector %q", hooks.selector)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusGone}, errors.New("Gone"))
	if status != http.StatusGone || fetchErr == nil {
		t.Fatalf("expected status and error recorded, got %d %v", status, fetchErr)
	}
}

func TestClassifyRobotsBlocked(t *testing.T) {
	t.Parallel()

	err := classify(context.Background(), "https://example.com", 0, colly.ErrRobotsTxtBlocked)
	require.Equal(t, pipeline.FetchNotFound, err.Kind)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	selector   string
	onResponse colly.ResponseCallback
	onHTML     colly.HTMLCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.selector = selector
	s.onHTML = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
