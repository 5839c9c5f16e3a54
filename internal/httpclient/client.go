// Package httpclient is the outbound HTTP client shared by all source adapters.
//
// Every call is rate limited, retried on 429, 5xx and transport failures with
// capped exponential backoff, and bounded by the caller's context deadline: the
// client never sleeps past the deadline, it returns a deadline error instead.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/metrics"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// Config configures the client.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first (default 6).
	MaxAttempts int
	// BaseBackoff is the backoff before the first retry (default 1s).
	BaseBackoff time.Duration
	// MaxBackoff caps both computed backoff and Retry-After hints (default 30s).
	MaxBackoff time.Duration
	// Timeout bounds a single attempt (default 30s).
	Timeout time.Duration
	// RateLimit in requests per second (default 10).
	RateLimit float64
	// RateBurst is the limiter burst size (default 5).
	RateBurst int
	// UserAgent is sent with every request.
	UserAgent string
	// Transport allows injecting a custom round tripper.
	Transport http.RoundTripper
}

// FromConfig converts the retry section of the application config.
func FromConfig(rc config.RetryConfig) Config {
	return Config{
		MaxAttempts: rc.MaxAttempts,
		BaseBackoff: rc.BaseBackoff,
		MaxBackoff:  rc.MaxBackoff,
		Timeout:     rc.Timeout,
		RateLimit:   rc.RateLimit,
		RateBurst:   rc.RateBurst,
		UserAgent:   rc.UserAgent,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "ingest-sync/1.0"
	}
}

// Request is a single outbound call. Body is held as bytes so it can be resent.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return syncerr.E(syncerr.KindProtocol, "decode response", err)
	}
	return nil
}

// Client is a rate limited, retrying HTTP client.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	now    func() time.Time
	jitter func(limit time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		now:     time.Now,
		jitter:  uniformJitter,
		sleep:   sleepContext,
	}
}

// Get issues a GET and decodes a JSON response into v (when v is non-nil).
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header, v any) (*Response, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL, Query: query, Header: header})
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := resp.JSON(v); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// PostJSON marshals body, issues a POST and decodes a JSON response into v.
func (c *Client) PostJSON(ctx context.Context, rawURL string, query url.Values, header http.Header, body, v any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	resp, err := c.Do(ctx, &Request{Method: http.MethodPost, URL: rawURL, Query: query, Header: h, Body: data})
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := resp.JSON(v); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Do executes req with rate limiting and retries. A non-2xx response that is
// not retryable is returned as *HTTPError immediately.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		metrics.RequestFailed(syncerr.KindOf(err).String())
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, syncerr.E(syncerr.KindConfig, "http", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		remaining, hasDeadline := c.remaining(ctx)
		if hasDeadline && remaining <= 0 {
			return nil, deadlineError(target, attempt, lastErr)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, deadlineError(target, attempt, firstNonNil(lastErr, err))
		}

		resp, err := c.attempt(ctx, req, target, remaining, hasDeadline)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, deadlineError(target, attempt+1, err)
		}
		lastErr = err

		var hint time.Duration
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if !httpErr.Retryable() {
				return nil, httpErr
			}
			hint = httpErr.RetryAfter
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		wait := c.backoff(attempt, hint)
		if remaining, ok := c.remaining(ctx); ok && wait >= remaining {
			return nil, deadlineError(target, attempt+1, lastErr)
		}
		metrics.Retry(retryReason(err))
		logging.Warn("HTTP %s %s failed (attempt %d/%d): %v; retrying in %s",
			req.Method, redact(target), attempt+1, c.cfg.MaxAttempts, err, wait.Round(time.Millisecond))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, deadlineError(target, attempt+1, lastErr)
		}
	}

	return nil, &RetryError{URL: redact(target), Attempts: c.cfg.MaxAttempts, Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, req *Request, target string, remaining time.Duration, hasDeadline bool) (*Response, error) {
	timeout := c.cfg.Timeout
	if hasDeadline && remaining < timeout {
		timeout = remaining
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, body)
	if err != nil {
		return nil, syncerr.E(syncerr.KindConfig, "http", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        redact(target),
			Body:       truncate(string(data), maxErrorBody),
		}
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			herr.RetryAfter = d
		}
		return nil, herr
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) remaining(ctx context.Context) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return deadline.Sub(c.now()), true
}

// backoff returns the wait before the retry following attempt. A server hint
// takes precedence over the computed schedule; both are capped at MaxBackoff.
func (c *Client) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, c.cfg.MaxBackoff)
	}
	d := Backoff(attempt, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	return d + c.jitter(d/4)
}

// Backoff returns min(maxBackoff, base*2^attempt).
func Backoff(attempt int, base, maxBackoff time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func buildURL(raw string, query url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing scheme or host", raw)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func retryReason(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case httpErr != nil:
		return "server_error"
	}
	return "transport"
}

// truncate cuts s to n runes so a multibyte character is never split.
func truncate(s string, n int) string {
	if cut := transform.Truncate(s, n); cut != s {
		return cut + "..."
	}
	return s
}
