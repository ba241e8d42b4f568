package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 4, Base: time.Millisecond}

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		require.True(t, IsRetryable(&HTTPStatusError{StatusCode: code}), code)
	}
	for _, code := range []int{400, 401, 403, 404, 501} {
		require.False(t, IsRetryable(&HTTPStatusError{StatusCode: code}), code)
	}
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(errors.New("plain")))
	require.False(t, IsRetryable(context.Canceled))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 503, Body: "busy"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 404, Body: "nope"}
	})
	var se *HTTPStatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 404, se.StatusCode)
	require.Equal(t, 1, calls)
}

func TestDo_Exhausts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 429}
	})
	require.Error(t, err)
	require.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{Attempts: 5, Base: time.Hour}, func(context.Context) error {
		cancel()
		return &HTTPStatusError{StatusCode: 500}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
}
