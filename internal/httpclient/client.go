// Package httpclient provides the tuned HTTP client shared by the CDN, edge
// WAF, and Fastly backends: a bounded-timeout transport, a request-id header
// for cross-system correlation, and a small retry wrapper that retries any
// request on a transport error or 5xx status so a single blip doesn't fail a
// whole tick.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const userAgentName = "edge-ban-sync"

// Client wraps http.Client with request-id tagging and bounded retries.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	retryWait  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides the default retry count for transport errors and
// 5xx responses, applied to requests of every method.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryWait overrides the delay between retry attempts.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// New returns a Client tuned the way the teacher tunes its AppSec HTTP
// client: bounded dial/handshake/idle timeouts and HTTP/2 enabled.
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       60 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  userAgentName,
		maxRetries: 3,
		retryWait:  2 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// HTTPClient exposes the underlying *http.Client, for tests that need to
// install a transport mock (e.g. jarcoal/httpmock.ActivateNonDefault).
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// retryableStatus mirrors the original Python bouncer's
// urllib3.util.retry.Retry(status_forcelist=[500,502,503,504]).
func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do issues method/url with the given headers and body, retrying up to
// maxRetries times on a transport error or a retryable status code. Each
// request gets a fresh X-Request-Id. The body, if non-nil, is buffered so
// it can be replayed across retries.
func (c *Client) Do(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(c.retryWait):
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("httpclient: building request: %w", err)
		}

		for key, values := range headers {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("X-Request-Id", uuid.New().String())

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("httpclient: reading response body: %w", err)
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("httpclient: retryable status %d from %s", resp.StatusCode, url)
			continue
		}

		return resp, respBody, nil
	}

	return nil, nil, fmt.Errorf("httpclient: %s %s failed after %d attempts: %w", method, url, c.maxRetries+1, lastErr)
}
