// Package paginate walks offset- and token-paginated collections.
//
// The driver owns the stopping rules (exhaustion, page and record caps, the
// soft deadline and token loop detection) and hands every fetched page to a
// callback before advancing, so the state returned on an early stop always
// points at the first page that has not been processed.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// ErrLoop is wrapped by the error returned when a page token repeats.
var ErrLoop = errors.New("pagination loop")

// Mode selects the cursor protocol.
type Mode int

const (
	// ModeOffset sends (offset, limit) and advances by the returned count.
	ModeOffset Mode = iota
	// ModeToken forwards an opaque next-page token verbatim.
	ModeToken
)

func (m Mode) String() string {
	if m == ModeToken {
		return "token"
	}
	return "offset"
}

// State is the resumption point of a walk.
type State struct {
	Offset int    `json:"offset,omitempty" yaml:"offset,omitempty"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

// IsZero reports whether s is the start of a collection.
func (s State) IsZero() bool {
	return s.Offset == 0 && s.Token == ""
}

func (s State) String() string {
	if s.Token != "" {
		return fmt.Sprintf("token=%q", s.Token)
	}
	return fmt.Sprintf("offset=%d", s.Offset)
}

// Page is one fetched batch.
type Page[R any] struct {
	Records []R
	// Next is the token for the following page (token mode).
	Next string
	// IsLast is set when the source says there is nothing more.
	IsLast bool
	// Total is the server-declared collection size; <= 0 means unknown.
	Total int
	// Limit is the server-declared page size, used when it differs from the request.
	Limit int
}

// StopReason explains why a walk ended.
type StopReason int

const (
	StopExhausted StopReason = iota
	StopMaxPages
	StopRecordCap
	StopDeadline
)

func (r StopReason) String() string {
	switch r {
	case StopMaxPages:
		return "max_pages"
	case StopRecordCap:
		return "record_cap"
	case StopDeadline:
		return "deadline"
	default:
		return "exhausted"
	}
}

// Truncated reports whether the walk stopped before the collection was drained.
func (r StopReason) Truncated() bool {
	return r != StopExhausted
}

// Options control a walk.
type Options struct {
	Mode     Mode
	PageSize int
	// MaxPages and MaxRecords stop the walk once reached; zero means unlimited.
	MaxPages   int
	MaxRecords int
	// Start resumes a previous walk.
	Start State
	// Deadline is the soft deadline checked before every fetch; zero means none.
	Deadline time.Time
	Log      logging.Scope
	Now      func() time.Time
}

// FetchFunc fetches the page at st.
type FetchFunc[R any] func(ctx context.Context, st State, limit int) (Page[R], error)

// PageFunc processes a fetched page. n is the 1-based page number of this walk.
type PageFunc[R any] func(ctx context.Context, page Page[R], n int) error

// Outcome summarises a walk.
type Outcome struct {
	Stop    StopReason
	Pages   int
	Records int
	// Resume is where the next walk must start when Stop is truncating.
	Resume State
}

// Walk fetches pages until the collection is exhausted or a stop condition is
// met. Errors from fetch or handle are returned with the outcome so far; Resume
// then points at the page that failed. A fetch that fails because the deadline
// was reached ends the walk with StopDeadline instead of an error.
func Walk[R any](ctx context.Context, opts Options, fetch FetchFunc[R], handle PageFunc[R]) (Outcome, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	st := opts.Start
	out := Outcome{Resume: st}
	consumed := make(map[string]int)

	for {
		if !opts.Deadline.IsZero() && !now().Before(opts.Deadline) {
			opts.Log.Debug("soft deadline reached before page %d (%s)", out.Pages+1, st)
			out.Stop, out.Resume = StopDeadline, st
			return out, nil
		}
		if ctx.Err() != nil {
			out.Stop, out.Resume = StopDeadline, st
			return out, nil
		}

		if opts.Mode == ModeToken && st.Token != "" {
			consumed[st.Token] = out.Pages + 1
		}

		page, err := fetch(ctx, st, opts.PageSize)
		if err != nil {
			out.Resume = st
			if syncerr.Is(err, syncerr.KindDeadline) || ctx.Err() != nil {
				opts.Log.Debug("deadline reached while fetching page %d: %v", out.Pages+1, err)
				out.Stop = StopDeadline
				return out, nil
			}
			return out, err
		}

		next, done := advance(opts, st, page)
		if opts.Mode == ModeToken && !done {
			if at, seen := consumed[next.Token]; seen {
				out.Resume = st
				return out, syncerr.E(syncerr.KindProtocol, "paginate",
					fmt.Errorf("%w: page %d returned token %q already consumed at page %d", ErrLoop, out.Pages+1, next.Token, at))
			}
		}

		out.Pages++
		opts.Log.Debug("page %d (%s) returned %d records", out.Pages, st, len(page.Records))
		if err := handle(ctx, page, out.Pages); err != nil {
			out.Resume = st
			return out, err
		}
		out.Records += len(page.Records)
		st = next

		if done {
			out.Stop, out.Resume = StopExhausted, State{}
			return out, nil
		}
		if opts.MaxPages > 0 && out.Pages >= opts.MaxPages {
			out.Stop, out.Resume = StopMaxPages, st
			return out, nil
		}
		if opts.MaxRecords > 0 && out.Records >= opts.MaxRecords {
			out.Stop, out.Resume = StopRecordCap, st
			return out, nil
		}
	}
}

// advance computes the state after page and whether the collection is drained.
func advance[R any](opts Options, st State, page Page[R]) (State, bool) {
	n := len(page.Records)
	if opts.Mode == ModeToken {
		if page.IsLast || page.Next == "" {
			return State{}, true
		}
		return State{Token: page.Next}, false
	}

	limit := opts.PageSize
	if page.Limit > 0 {
		limit = page.Limit
	}
	next := State{Offset: st.Offset + n}
	switch {
	case page.IsLast, n == 0, n < limit:
		return next, true
	case page.Total > 0 && next.Offset >= page.Total:
		return next, true
	}
	return next, false
}
