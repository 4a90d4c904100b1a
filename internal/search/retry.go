package search

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds how hard one catalog call is retried.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig allows one retry after about 300ms. Searches are
// interactive, so the budget stays well under the search timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

// RetryWithBackoff calls fn until it succeeds, fails with a final error, or
// runs out of attempts; the last error is returned. Waits grow by
// Multiplier with ±25% jitter and never exceed MaxDelay. A Retry-After
// hint from the catalog replaces the computed wait, and a hint longer than
// MaxDelay ends the retries early.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.normalized()
	wait := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || !isTransientError(err) {
			return err
		}
		delay, ok := retryDelay(err, wait, cfg.MaxDelay)
		if !ok {
			return err
		}
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		wait = min(time.Duration(float64(wait)*cfg.Multiplier), cfg.MaxDelay)
	}
}

func retryDelay(err error, wait, maxDelay time.Duration) (time.Duration, bool) {
	var hinted retryAfter
	if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
		if hinted.RetryAfter() > maxDelay {
			return 0, false
		}
		return hinted.RetryAfter(), true
	}
	return min(jitter(wait), maxDelay), true
}

// jitter spreads d over [0.75d, 1.25d).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// temporary is implemented by catalog HTTP errors that know whether their
// status is worth retrying.
type temporary interface {
	Temporary() bool
}

var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"tls",
	"eof",
}

// isTransientError reports whether a catalog call may succeed if repeated:
// rate limiting, upstream 5xx, timeouts and dropped connections.
func isTransientError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	}
	var classified temporary
	if errors.As(err, &classified) {
		return classified.Temporary()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
