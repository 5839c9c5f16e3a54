package paginate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

func collect(got *[]int) PageFunc[int] {
	return func(_ context.Context, p Page[int], _ int) error {
		*got = append(*got, p.Records...)
		return nil
	}
}

func offsetSource(total int) (FetchFunc[int], *[]State) {
	var calls []State
	return func(_ context.Context, st State, limit int) (Page[int], error) {
		calls = append(calls, st)
		var recs []int
		for i := st.Offset; i < total && len(recs) < limit; i++ {
			recs = append(recs, i)
		}
		return Page[int]{Records: recs}, nil
	}, &calls
}

func TestOffsetStopsOnShortPage(t *testing.T) {
	fetch, calls := offsetSource(7)
	var got []int
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 3}, fetch, collect(&got))
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, out.Stop)
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, 7, out.Records)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, []State{{Offset: 0}, {Offset: 3}, {Offset: 6}}, *calls)
}

func TestOffsetExactMultipleEndsOnEmptyPage(t *testing.T) {
	fetch, calls := offsetSource(6)
	var got []int
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 3}, fetch, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, out.Stop)
	assert.Len(t, *calls, 3)
	assert.Len(t, got, 6)
}

func TestOffsetStopsAtDeclaredTotal(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, st State, limit int) (Page[int], error) {
		calls++
		return Page[int]{Records: make([]int, limit), Total: 4}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 2}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StopExhausted, out.Stop)
}

func TestOffsetUsesServerLimit(t *testing.T) {
	var offsets []int
	fetch := func(_ context.Context, st State, limit int) (Page[int], error) {
		offsets = append(offsets, st.Offset)
		if st.Offset >= 100 {
			return Page[int]{Records: make([]int, 10), Limit: 50}, nil
		}
		return Page[int]{Records: make([]int, 50), Limit: 50}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 250}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 50, 100}, offsets)
	assert.Equal(t, 110, out.Records)
}

func TestTokenFollowsUntilIsLast(t *testing.T) {
	pages := map[string]Page[int]{
		"":  {Records: []int{1, 2}, Next: "a"},
		"a": {Records: []int{3}, Next: "b"},
		"b": {Records: []int{4}, Next: "c", IsLast: true},
	}
	var tokens []string
	fetch := func(_ context.Context, st State, _ int) (Page[int], error) {
		tokens = append(tokens, st.Token)
		return pages[st.Token], nil
	}
	var got []int
	out, err := Walk(context.Background(), Options{Mode: ModeToken}, fetch, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "a", "b"}, tokens)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
	assert.Equal(t, StopExhausted, out.Stop)
	assert.True(t, out.Resume.IsZero())
}

func TestTokenStopsWhenNoTokenReturned(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, st State, _ int) (Page[int], error) {
		calls++
		if st.Token == "" {
			return Page[int]{Records: []int{1}, Next: "x"}, nil
		}
		return Page[int]{Records: []int{2}}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeToken}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StopExhausted, out.Stop)
}

func TestRepeatedTokenRaisesWithoutThirdRequest(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, st State, _ int) (Page[int], error) {
		calls++
		return Page[int]{Records: []int{calls}, Next: "abc"}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeToken}, fetch, collect(new([]int)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoop))
	assert.True(t, syncerr.Is(err, syncerr.KindProtocol))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, out.Pages)
	assert.Contains(t, err.Error(), `"abc"`)
}

func TestLoopDetectedAcrossResumedToken(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, st State, _ int) (Page[int], error) {
		calls++
		if st.Token == "resume" {
			return Page[int]{Records: []int{1}, Next: "n1"}, nil
		}
		return Page[int]{Records: []int{2}, Next: "resume"}, nil
	}
	_, err := Walk(context.Background(), Options{Mode: ModeToken, Start: State{Token: "resume"}}, fetch, collect(new([]int)))
	assert.ErrorIs(t, err, ErrLoop)
	assert.Equal(t, 2, calls)
}

func TestMaxPagesReturnsResumeState(t *testing.T) {
	fetch, _ := offsetSource(100)
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 10, MaxPages: 2}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, out.Stop)
	assert.True(t, out.Stop.Truncated())
	assert.Equal(t, State{Offset: 20}, out.Resume)
}

func TestRecordCap(t *testing.T) {
	n := 0
	fetch := func(_ context.Context, _ State, _ int) (Page[int], error) {
		n++
		return Page[int]{Records: []int{1, 2, 3}, Next: fmt.Sprintf("t%d", n)}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeToken, MaxRecords: 5}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, StopRecordCap, out.Stop)
	assert.Equal(t, 6, out.Records)
	assert.Equal(t, State{Token: "t2"}, out.Resume)
}

func TestDeadlineCheckedBeforeEachFetch(t *testing.T) {
	clock := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	deadline := clock.Add(25 * time.Second)
	calls := 0
	fetch := func(_ context.Context, st State, limit int) (Page[int], error) {
		calls++
		clock = clock.Add(10 * time.Second)
		return Page[int]{Records: make([]int, limit)}, nil
	}
	out, err := Walk(context.Background(), Options{
		Mode:     ModeOffset,
		PageSize: 5,
		Deadline: deadline,
		Now:      func() time.Time { return clock },
	}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StopDeadline, out.Stop)
	assert.Equal(t, State{Offset: 15}, out.Resume)
}

func TestDeadlineDuringFetchIsNotAnError(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, st State, _ int) (Page[int], error) {
		calls++
		if calls == 2 {
			return Page[int]{}, syncerr.E(syncerr.KindDeadline, "http", context.DeadlineExceeded)
		}
		return Page[int]{Records: []int{1}, Next: "n"}, nil
	}
	out, err := Walk(context.Background(), Options{Mode: ModeToken}, fetch, collect(new([]int)))
	require.NoError(t, err)
	assert.Equal(t, StopDeadline, out.Stop)
	assert.Equal(t, State{Token: "n"}, out.Resume)
}

func TestFetchAndHandleErrorsKeepResumePoint(t *testing.T) {
	boom := errors.New("boom")
	fetch, _ := offsetSource(100)
	out, err := Walk(context.Background(), Options{Mode: ModeOffset, PageSize: 10},
		fetch, func(_ context.Context, _ Page[int], n int) error {
			if n == 3 {
				return boom
			}
			return nil
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, State{Offset: 20}, out.Resume)
	assert.Equal(t, 20, out.Records)
}
