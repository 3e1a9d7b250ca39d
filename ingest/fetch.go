package ingest

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Fetcher downloads edge sources over HTTP, retrying server errors and
// transport failures with exponential backoff capped at 10s.
type Fetcher struct {
	Client     *http.Client
	MaxRetries int
	UserAgent  string

	// wait is swapped in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewFetcher returns a Fetcher with the given per-attempt timeout.
func NewFetcher(timeout time.Duration, maxRetries int) *Fetcher {
	return &Fetcher{
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		UserAgent:  "PortoMove-MapMatch/1.0",
		wait:       sleepCtx,
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(math.Min(float64(1000*int(math.Pow(2, float64(attempt)))), 10000)) * time.Millisecond
}

// Get fetches url. 4xx responses fail immediately; 5xx and transport
// errors are retried.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	retries := max(f.MaxRetries, 1)
	for attempt := 0; attempt < retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", f.UserAgent)

		resp, err := f.Client.Do(req)
		if err != nil {
			if attempt == retries-1 || ctx.Err() != nil {
				return nil, err
			}
			if err := f.wait(ctx, backoff(attempt)); err != nil {
				return nil, fmt.Errorf("GET %s: %w", url, err)
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, err
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
		}
		if attempt < retries-1 {
			if err := f.wait(ctx, backoff(attempt)); err != nil {
				return nil, fmt.Errorf("GET %s returned %d: %w", url, resp.StatusCode, err)
			}
			continue
		}
		return nil, fmt.Errorf("GET %s returned %d after %d attempts", url, resp.StatusCode, retries)
	}
	return nil, fmt.Errorf("max retries exceeded")
}
