package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 2 // requests per second
	defaultBurst     = 4
	userAgent        = "feedspine/1.0"
)

// ClientOptions tune the shared fetch client. Zero values fall back to
// conservative defaults.
type ClientOptions struct {
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	Transport      http.RoundTripper
}

// Client is the HTTP client adapters fetch through. It enforces a per-source
// rate limit and a per-call timeout so a slow upstream cannot stall a run
// indefinitely.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	return &Client{
		http:    &http.Client{Transport: opts.Transport},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		timeout: opts.Timeout,
	}
}

// Do waits for a rate-limit token, then issues the request under the
// per-call timeout. The caller owns the response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req = req.WithContext(ctx)
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The cancel is tied to the body: callers stream the body after Do
	// returns, so the timeout covers the full read.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Get is a convenience wrapper for cursor-less GET fetches.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	return c.Do(ctx, req)
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
