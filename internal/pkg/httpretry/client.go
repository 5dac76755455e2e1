// Package httpretry wraps an http.Client with bounded retries for
// transient failures. Retries use full-jitter exponential backoff so
// concurrent callers do not hammer a recovering upstream in lockstep.
package httpretry

import (
	"context"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer is the subset of http.Client used by callers, allowing the
// retry client and the raw client to be used interchangeably.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryableStatus reports whether a status code is worth retrying.
// 429 and the gateway-ish 5xx family are transient; everything else
// (including 500 from a deterministic handler bug) usually is not,
// but 500 is kept because the upstreams here surface overload as 500.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client retries failed requests up to Attempts times in total.
type Client struct {
	inner     HTTPDoer
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration

	// Logf, when non-nil, receives one line per retry.
	Logf func(format string, args ...interface{})
}

// New wraps inner with retry behaviour. attempts is the total number
// of tries including the first; values below 1 are treated as 1.
func New(inner HTTPDoer, attempts int, baseDelay time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 150 * time.Millisecond
	}
	return &Client{
		inner:     inner,
		attempts:  attempts,
		baseDelay: baseDelay,
		maxDelay:  2 * time.Second,
	}
}

// Do performs the request, retrying on transport errors and retryable
// status codes. Requests with a body are only retried when GetBody is
// set (true for requests built via http.NewRequest with a byte reader).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	attempts := c.attempts
	if req.Body != nil && req.GetBody == nil {
		// Body cannot be replayed, so there is nothing to retry with.
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return lastResp, err
				}
				req.Body = body
			}
			if err := c.sleep(req.Context(), attempt); err != nil {
				return lastResp, err
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			lastResp = nil
			if c.Logf != nil {
				c.Logf("retryable request error (attempt %d/%d): %v", attempt+1, attempts, err)
			}
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastResp = resp
		lastErr = nil
		if attempt < attempts-1 {
			// Close so the connection can be reused before retrying.
			// The final attempt's body is left open for the caller.
			resp.Body.Close()
		}
		if c.Logf != nil {
			c.Logf("retryable status %d (attempt %d/%d)", resp.StatusCode, attempt+1, attempts)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

// sleep blocks for the backoff of the given attempt or until the
// request context is cancelled. Delay is full-jitter: a uniform draw
// from (0, base*2^attempt], capped at maxDelay.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	max := c.baseDelay << uint(attempt-1)
	if max > c.maxDelay {
		max = c.maxDelay
	}
	delay := time.Duration(rand.Int63n(int64(max))) + time.Millisecond
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
