package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// userAgent is a plain browser UA. Headless-browser sessions are a later
// escalation; most sources in the low-protection tier accept this.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// newHTTPClient builds the shared client shape used by all adapters.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// httpGet performs a GET with the standard headers and classifies the
// response status: 403/429 and CAPTCHA interstitials are blocked, 404 is
// not-found, other non-200s are transient. Returns the response body.
func httpGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source: failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("source: status %d from %s: %w", resp.StatusCode, url, ErrBlocked)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("source: status 404 from %s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("source: unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("source: failed to read body: %w", err)
	}

	return body, nil
}
