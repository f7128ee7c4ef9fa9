package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/document"
	"github.com/ragline/ragline/internal/extract"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/state"
	"github.com/ragline/ragline/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// colly and net/http keep idle connections in the background.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func pageHTML(title string, paragraphs int) string {
	body := ""
	for i := 0; i < paragraphs; i++ {
		body += fmt.Sprintf("<p>Paragraph %d of %s explains one aspect of the system in enough detail to pass minimum content checks.</p>", i, title)
	}
	return fmt.Sprintf("<html><head><title>%s</title></head><body><article><h1>%s</h1>%s</article></body></html>",
		title, title, body)
}

// docsSite serves a sitemap and three documentation pages.
func docsSite(t *testing.T, failPath string, failStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/docs/intro</loc></url>
  <url><loc>%[1]s/docs/install</loc></url>
  <url><loc>%[1]s/docs/api/</loc></url>
  <url><loc>%[1]s/blog/release-notes</loc></url>
</urlset>`, srv.URL)
	})
	for _, p := range []string{"/docs/intro", "/docs/install", "/docs/api"} {
		p := p
		mux.HandleFunc(p, func(w http.ResponseWriter, _ *http.Request) {
			if p == failPath {
				w.WriteHeader(failStatus)
				return
			}
			fmt.Fprint(w, pageHTML("Page "+p, 3))
		})
	}

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestStage(t *testing.T, siteURL string) (*Stage, *state.Store) {
	t.Helper()
	cfg := &config.Config{
		SiteURL:          siteURL,
		SitemapURL:       siteURL + "/sitemap.xml",
		PathFilter:       "/docs/",
		MaxDepth:         2,
		MaxConcurrent:    4,
		RequestTimeout:   5 * time.Second,
		FailureThreshold: 0.2,
		DataDir:          t.TempDir(),
	}

	logger := log.NewNop()
	limiter, err := throttle.NewLimiter(cfg.MaxConcurrent, 0)
	require.NoError(t, err)
	t.Cleanup(limiter.Release)

	client := throttle.NewClient(limiter, throttle.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}, cfg.RequestTimeout, logger)

	cache, err := document.NewCache(cfg.CacheDir(), logger)
	require.NoError(t, err)
	states, err := state.NewStore(cfg.StateDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	stage := NewStage(cfg, client,
		NewHTTPFetcher(cfg.RequestTimeout),
		extract.New(document.MinContentLength, logger),
		cache, states, logger)
	return stage, states
}

func TestRun_SitemapDiscoveryAndCrawl(t *testing.T) {
	srv := docsSite(t, "", 0)
	stage, states := newTestStage(t, srv.URL)

	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	// The blog URL is filtered out; /docs/api/ canonicalizes to /docs/api.
	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 0, summary.Failed)

	st := states.Load(state.StageCrawl)
	assert.True(t, st.IsCompleted(srv.URL+"/docs/intro"))
	assert.True(t, st.IsCompleted(srv.URL+"/docs/api"))

	n, err := stage.cache.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_PermanentFailureRecorded(t *testing.T) {
	srv := docsSite(t, "/docs/install", http.StatusNotFound)
	stage, states := newTestStage(t, srv.URL)

	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.InDelta(t, 1.0/3.0, summary.FailureRatio, 1e-9)

	st := states.Load(state.StageCrawl)
	failed := st.Failed()
	require.Contains(t, failed, srv.URL+"/docs/install")
	assert.Contains(t, failed[srv.URL+"/docs/install"], "404")
}

func TestRun_ResumeSkipsCompleted(t *testing.T) {
	var fetches atomic.Int64
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<urlset>
  <url><loc>%[1]s/docs/a</loc></url>
  <url><loc>%[1]s/docs/b</loc></url>
</urlset>`, srv.URL)
	})
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, pageHTML("Page "+r.URL.Path, 3))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	stage, _ := newTestStage(t, srv.URL)

	_, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)
	firstRun := fetches.Load()

	summary, err := stage.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, firstRun, fetches.Load(), "resume must not refetch completed pages")
}

func TestRun_MaxPagesCapsFetches(t *testing.T) {
	srv := docsSite(t, "", 0)
	stage, _ := newTestStage(t, srv.URL)

	summary, err := stage.Run(context.Background(), Options{MaxPages: 1})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 1, summary.Completed)
}

func TestRun_ExplicitURLList(t *testing.T) {
	srv := docsSite(t, "", 0)
	stage, _ := newTestStage(t, srv.URL)

	summary, err := stage.Run(context.Background(), Options{
		URLs: []string{srv.URL + "/docs/intro", srv.URL + "/docs/intro#section"},
	})
	require.NoError(t, err)

	// Fragment variants canonicalize to one URL.
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Completed)
}

func TestRun_SitemapIndexNesting(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<sitemapindex>
  <sitemap><loc>%[1]s/sitemap-docs.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/sitemap-docs.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<urlset>
  <url><loc>%[1]s/docs/nested</loc></url>
</urlset>`, srv.URL)
	})
	mux.HandleFunc("/docs/nested", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, pageHTML("Nested", 3))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	stage, _ := newTestStage(t, srv.URL)
	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
}

func TestRun_RecursiveFallbackWhenNoSitemap(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprintf(w, `<html><body><a href="%[1]s/docs/start">Docs</a></body></html>`, srv.URL)
		case "/docs/start":
			fmt.Fprintf(w, `<html><body><article><h1>Start</h1>%s<a href="/docs/next">next</a></article></body></html>`,
				pageHTML("Start", 2))
		case "/docs/next":
			fmt.Fprint(w, pageHTML("Next", 3))
		default:
			http.NotFound(w, r)
		}
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	stage, _ := newTestStage(t, srv.URL)
	summary, err := stage.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, summary.Discovered, 2)
	assert.GreaterOrEqual(t, summary.Completed, 2)
	assert.Equal(t, 0, summary.Failed)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://Docs.Example.com/docs/a/", "https://docs.example.com/docs/a", false},
		{"https://docs.example.com/docs/a#frag", "https://docs.example.com/docs/a", false},
		{"https://docs.example.com/docs/a?utm=1", "https://docs.example.com/docs/a", false},
		{"/relative/path", "", true},
		{"://bad", "", true},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseSitemap(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://docs.example.com/docs/x </loc></url>
  <url><loc></loc></url>
</urlset>`)
	pages, nested, err := parseSitemap(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://docs.example.com/docs/x"}, pages)
	assert.Empty(t, nested)

	_, _, err = parseSitemap([]byte("not xml at all <<<"))
	assert.Error(t, err)
}
