// Package retry retries transient HTTP failures with exponential backoff
// and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// HTTPStatusError carries a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable reports whether err is worth another attempt: 429 and the
// common 5xx statuses, plus network errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return retryableStatus[se.StatusCode]
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Policy bounds the retry loop.
type Policy struct {
	Attempts  int
	Base      time.Duration
	MaxJitter time.Duration
}

// DefaultPolicy gives 3 attempts starting at half a second.
var DefaultPolicy = Policy{Attempts: 3, Base: 500 * time.Millisecond, MaxJitter: 250 * time.Millisecond}

// Backoff returns the wait before retry number attempt (0-based), without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.Base << attempt
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		wait := p.Backoff(attempt)
		if p.MaxJitter > 0 {
			wait += rand.N(p.MaxJitter)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
