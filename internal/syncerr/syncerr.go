// Package syncerr defines the typed failure kinds used across the sync engine.
//
// Expected failure modes (rate limits, bad payloads, malformed records, rejected
// warehouse rows) travel as ordinary error values carrying a Kind, so callers
// branch on the kind instead of on message text.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindConfig is a configuration error: missing credentials, invalid partition list.
	// Fatal for the whole run, never retried.
	KindConfig
	// KindTransient is a retryable I/O failure (429, 5xx, timeout) that exhausted its retries.
	KindTransient
	// KindProtocol is a source API contract violation (repeated page token, unexpected payload).
	KindProtocol
	// KindAuth means the source rejected the credentials for one request (401/403).
	// It fails the partition, not the run: a token may lack access to one project.
	KindAuth
	// KindRecord is a single malformed source record.
	KindRecord
	// KindWarehouse is a warehouse write failure.
	KindWarehouse
	// KindDeadline means the wall-clock budget ran out.
	KindDeadline
	// KindFatal is an unexpected fault.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindRecord:
		return "record"
	case KindWarehouse:
		return "warehouse"
	case KindDeadline:
		return "deadline"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a failure with a kind and the operation that produced it.
type Error struct {
	Kind      Kind
	Op        string
	Partition string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Op
	switch {
	case e.Partition != "" && msg == "":
		msg = "partition " + e.Partition
	case e.Partition != "":
		msg += " [" + e.Partition + "]"
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithPartition tags err with a partition key. Errors that are not *Error are
// wrapped with the kind KindOf reports for them.
func WithPartition(err error, partition string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok && e.Partition == "" {
		cp := *e
		cp.Partition = partition
		return &cp
	}
	return &Error{Kind: KindOf(err), Partition: partition, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context errors
// map to KindDeadline; anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadline
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatalForRun reports whether err must stop the whole run rather than one partition.
func IsFatalForRun(err error) bool {
	return Is(err, KindConfig)
}
