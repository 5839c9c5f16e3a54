package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func newTestClient(cfg Config) (*Client, *recorder) {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
		cfg.RateBurst = 100
	}
	c := New(cfg)
	rec := &recorder{}
	c.sleep = rec.sleep
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, rec
}

func statusSequence(t *testing.T, calls *atomic.Int32, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := statusSequence(t, &calls, 503, 502, 200)
	c, rec := newTestClient(Config{BaseBackoff: time.Second, MaxBackoff: 30 * time.Second})

	var out struct{ OK bool }
	resp, err := c.Get(context.Background(), srv.URL, nil, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404} {
		var calls atomic.Int32
		srv := statusSequence(t, &calls, status)
		c, rec := newTestClient(Config{})

		_, err := c.Get(context.Background(), srv.URL, nil, nil, nil)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load(), "status %d", status)
		assert.Empty(t, rec.waits)
		assert.Equal(t, status, StatusCode(err))
	}
}

func TestClientErrorKinds(t *testing.T) {
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(&HTTPError{StatusCode: 401}))
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(&HTTPError{StatusCode: 403}))
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(&HTTPError{StatusCode: 404}))
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(&HTTPError{StatusCode: 503}))
}

func TestErrorBodyKeepsWholeRunes(t *testing.T) {
	body := strings.Repeat("a", maxErrorBody-1) + "日本語"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c, _ := newTestClient(Config{})

	_, err := c.Get(context.Background(), srv.URL, nil, nil, nil)
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.True(t, utf8.ValidString(herr.Body))
	assert.Equal(t, strings.Repeat("a", maxErrorBody-1)+"日...", herr.Body)

	assert.Equal(t, "short", truncate("short", maxErrorBody))
	assert.Equal(t, "ü...", truncate("üü", 1))
}

func TestRetryAfterTakesPrecedenceAndIsCapped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(Config{BaseBackoff: time.Second, MaxBackoff: 30 * time.Second})
	_, err := c.Get(context.Background(), srv.URL, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 30 * time.Second}, rec.waits)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := statusSequence(t, &calls, 500)
	c, rec := newTestClient(Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second})

	_, err := c.Get(context.Background(), srv.URL, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, rec.waits, 2)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, 500, StatusCode(err))
	assert.True(t, syncerr.Is(err, syncerr.KindTransient))
}

func TestNeverSleepsPastDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, rec := newTestClient(Config{MaxBackoff: 30 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, srv.URL, nil, nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.waits)
	assert.True(t, syncerr.Is(err, syncerr.KindDeadline))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExpiredDeadlineMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := statusSequence(t, &calls, 200)
	c, _ := newTestClient(Config{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := c.Get(ctx, srv.URL, nil, nil, nil)
	assert.True(t, syncerr.Is(err, syncerr.KindDeadline))
	assert.Equal(t, int32(0), calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := statusSequence(t, &calls, 200)
	base := http.DefaultTransport
	var failures atomic.Int32
	c, rec := newTestClient(Config{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if failures.Add(1) == 1 {
				return nil, errors.New("connection reset by peer")
			}
			return base.RoundTrip(r)
		}),
	})

	_, err := c.Get(context.Background(), srv.URL, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, rec.waits, 1)
}

func TestPostJSONSendsBodyOnEveryAttempt(t *testing.T) {
	var bodies []string
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		bodies = append(bodies, string(buf))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(Config{})
	_, err := c.PostJSON(context.Background(), srv.URL, nil, nil, map[string]int{"page": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"page":2}`, `{"page":2}`}, bodies)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{62, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		j := uniformJitter(250 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.LessOrEqual(t, j, 250*time.Millisecond)
	}
	assert.Zero(t, uniformJitter(0))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("7", now)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = ParseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = ParseRetryAfter("", now)
	assert.False(t, ok)
}

func TestRetryReason(t *testing.T) {
	assert.Equal(t, "rate_limited", retryReason(&HTTPError{StatusCode: http.StatusTooManyRequests}))
	assert.Equal(t, "server_error", retryReason(&HTTPError{StatusCode: http.StatusBadGateway}))
	assert.Equal(t, "transport", retryReason(&TransportError{Err: errors.New("connection reset")}))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://example.com/x?api_key=%2A%2A%2A&page=2",
		redact("https://user:pw@example.com/x?api_key=abc&page=2"))
	assert.Equal(t, "https://t.example.com/index.php?/api/v2/get_runs/1&created_after=5",
		redact("https://t.example.com/index.php?/api/v2/get_runs/1&created_after=5"))
}
