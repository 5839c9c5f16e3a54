package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.Equal(t, KindProtocol, KindOf(E(KindProtocol, "paginate", base)))
	assert.Equal(t, KindConfig, KindOf(fmt.Errorf("loading: %w", E(KindConfig, "secrets", base))))
	assert.Equal(t, KindDeadline, KindOf(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestErrorMessage(t *testing.T) {
	err := E(KindTransient, "jira.fetch_page", errors.New("HTTP 503"))
	assert.Equal(t, "jira.fetch_page: HTTP 503", err.Error())

	tagged := WithPartition(err, "PC")
	assert.Equal(t, "jira.fetch_page [PC]: HTTP 503", tagged.Error())
	assert.True(t, Is(tagged, KindTransient))
	// original is untouched
	assert.Empty(t, err.Partition)
}

func TestWithPartitionPlainError(t *testing.T) {
	require.NoError(t, WithPartition(nil, "x"))

	err := WithPartition(errors.New("bad"), "42")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "42", e.Partition)
	assert.Equal(t, KindUnknown, e.Kind)
}

func TestWithPartitionKeepsOuterMessage(t *testing.T) {
	inner := fmt.Errorf("HTTP 404 on /runs: %w", E(KindProtocol, "http", nil))
	err := WithPartition(inner, "7")
	assert.Equal(t, "partition 7: HTTP 404 on /runs: http", err.Error())
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestIsFatalForRun(t *testing.T) {
	assert.True(t, IsFatalForRun(Newf(KindConfig, "config", "no partitions")))
	assert.False(t, IsFatalForRun(Newf(KindProtocol, "paginate", "loop")))
	assert.False(t, IsFatalForRun(Newf(KindAuth, "http", "HTTP 403")))
	assert.False(t, IsFatalForRun(nil))
}
