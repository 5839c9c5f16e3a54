package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string
	// RetryAfter is the parsed Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether the status is 429 or 5xx.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Kind classifies a terminal HTTP error. Rejected credentials fail the
// partition that made the request; any other 4xx is a protocol failure.
func (e *HTTPError) Kind() syncerr.Kind {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return syncerr.KindAuth
	case e.Retryable():
		return syncerr.KindTransient
	default:
		return syncerr.KindProtocol
	}
}

// Unwrap exposes the kind to syncerr.KindOf.
func (e *HTTPError) Unwrap() error {
	return &syncerr.Error{Kind: e.Kind(), Op: "http"}
}

// TransportError is a connection-level failure (timeout, reset, DNS).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RetryError is returned when every attempt failed. It wraps the last failure.
type RetryError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

// Unwrap returns both the transient kind marker and the last failure.
func (e *RetryError) Unwrap() []error {
	return []error{&syncerr.Error{Kind: syncerr.KindTransient, Op: "http"}, e.Last}
}

// StatusCode returns the HTTP status of err if it is or wraps an *HTTPError.
func StatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}

func deadlineError(target string, attempts int, last error) error {
	msg := fmt.Sprintf("deadline reached calling %s after %d attempt(s)", redact(target), attempts)
	if last != nil {
		msg += fmt.Sprintf(" (last error: %v)", last)
	}
	return syncerr.E(syncerr.KindDeadline, "http", fmt.Errorf("%s: %w", msg, context.DeadlineExceeded))
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP-date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(v); err == nil {
		d := when.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// redact strips credentials and query values that commonly hold tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	q := u.Query()
	changed := false
	for k := range q {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "key") || strings.Contains(lk, "secret") {
			q.Set(k, "***")
			changed = true
		}
	}
	// TestRail style "index.php?/api/v2/..." queries do not survive re-encoding.
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
