package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmware/remote-patcher/pkg/failure"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	n, err := Do(context.Background(), Policy{Attempts: 3}, func(context.Context, int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	var seen []int
	n, err := Do(context.Background(), Policy{Attempts: 4, Backoff: time.Millisecond}, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return failure.New(failure.Exec, "exit 1").Retry()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoExhaustionReturnsLastErrorAsFatal(t *testing.T) {
	n, err := Do(context.Background(), Policy{Attempts: 3}, func(_ context.Context, attempt int) error {
		return failure.New(failure.HealthCheck, "attempt %d", attempt).Retry()
	})
	require.Equal(t, 3, n)
	require.True(t, failure.Is(err, failure.HealthCheck))
	require.False(t, failure.IsRetryable(err))
	require.ErrorContains(t, err, "attempt 3")
}

func TestDoStopsOnFatalError(t *testing.T) {
	boom := failure.New(failure.Precondition, "missing")
	n, err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context, int) error { return boom })
	require.Equal(t, 1, n)
	require.ErrorIs(t, err, boom)
}

func TestDoPlainErrorsAreFatal(t *testing.T) {
	plain := errors.New("plain")
	n, err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context, int) error { return plain })
	require.Equal(t, 1, n)
	require.ErrorIs(t, err, plain)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	n, err := Do(ctx, Policy{Attempts: 100, Backoff: 20 * time.Millisecond}, func(context.Context, int) error {
		return failure.New(failure.Exec, "not yet").Retry()
	})
	require.Less(t, n, 100)
	require.True(t, failure.Is(err, failure.Timeout), "got %v", err)
}

func TestDoZeroAttemptsMeansOne(t *testing.T) {
	n, err := Do(context.Background(), Policy{}, func(context.Context, int) error {
		return failure.New(failure.Exec, "x").Retry()
	})
	require.Equal(t, 1, n)
	require.Error(t, err)
}
