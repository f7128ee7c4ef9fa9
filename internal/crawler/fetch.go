package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ragline/ragline/internal/throttle"
)

const userAgent = "ragline/1.0 (+https://github.com/ragline/ragline)"

// maxBodySize caps a single response read. Documentation pages are far
// smaller; anything bigger is not a page worth chunking.
const maxBodySize = 10 << 20

// Fetcher retrieves the body of a URL. Implementations must classify
// failures using the throttle error types so retry behavior is correct.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher backed by net/http with the given
// per-request timeout.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	return &httpFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, throttle.Permanent(fmt.Errorf("building request for %s: %w", url, err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		// Connection and timeout failures are worth retrying.
		return nil, throttle.Transient(fmt.Errorf("fetching %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, throttle.FromStatus(resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, throttle.Transient(fmt.Errorf("reading %s: %w", url, err))
	}
	return body, nil
}
