// Package exitcodes defines standard exit codes for CLI operations and the
// matching HTTP status codes for the trigger endpoint, so schedulers (cron,
// Kubernetes jobs, Cloud Run) can alert on the outcome without parsing logs.
package exitcodes

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

const (
	// Success - every partition caught up
	Success = 0

	// ConfigError - configuration/YAML/JSON parsing, missing credentials or partitions (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - warehouse, state store or source API unreachable (recoverable)
	ConnectionError = 2

	// SyncError - fetching or writing failed for every partition (non-recoverable)
	SyncError = 3

	// ProtocolError - a source API violated its pagination or payload contract (non-recoverable)
	ProtocolError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - watermark/continuation state could not be read or written (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// PartialError - progress was made but the deadline, a cap or an isolated failure
	// left work for the next run (recoverable)
	PartialError = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed sync errors are classified by kind; anything else by message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch syncerr.KindOf(err) {
	case syncerr.KindConfig, syncerr.KindAuth:
		return ConfigError
	case syncerr.KindTransient:
		return ConnectionError
	case syncerr.KindProtocol:
		return ProtocolError
	case syncerr.KindWarehouse, syncerr.KindRecord:
		return SyncError
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	msg := strings.ToLower(err.Error())
	for _, r := range messageRules {
		if containsAny(msg, r.match) && !containsAny(msg, r.unless) {
			return r.code
		}
	}
	return SyncError
}

// messageRules classify untyped errors (driver and library errors that never
// passed through syncerr). First match wins.
var messageRules = []struct {
	code   int
	match  []string
	unless []string
}{
	{IOError, []string{"no such file", "file not found", "permission denied", "is a directory", "not a directory"}, nil},
	{ProtocolError, []string{"pagination loop", "unexpected payload", "token repeated"}, nil},
	{ConfigError, []string{"yaml:", "toml:", "json:", "unmarshal", "invalid config", "missing required",
		"missing secret", "invalid value", "parsing config"}, []string{"connection", "connect", "dial"}},
	{ConnectionError, []string{"connection", "connect", "dial", "refused", "timeout", "unreachable",
		"no such host", "network", "pool", "ping", "login failed", "authentication"}, nil},
	{Cancelled, []string{"cancel", "interrupt", "context deadline"}, nil},
	{StateError, []string{"state", "checkpoint", "watermark", "continuation", "run not found"}, nil},
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, PartialError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case ProtocolError:
		return "source protocol error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case PartialError:
		return "partial sync (recoverable)"
	default:
		return "unknown error"
	}
}

// HTTPStatus maps an exit code to the status returned by the trigger endpoint.
func HTTPStatus(code int) int {
	switch code {
	case Success:
		return http.StatusOK
	case PartialError:
		return http.StatusMultiStatus
	case ConfigError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
