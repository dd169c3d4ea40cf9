package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Bounded exponential backoff around idempotent venue calls. The wrapper
// never panics and never propagates: the caller gets a Result and decides
// what "no data" means.

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the venue client's tolerance for flaky endpoints.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 300 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Result is the outcome of a retried operation.
type Result[T any] struct {
	Success   bool
	Data      T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// StatusError marks an HTTP response that came back with a non-2xx code.
// 5xx codes are retryable, everything else is not.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt: timeouts, DNS
// failures, connection resets and 5xx responses. Malformed payloads and
// 4xx responses are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// Do runs fn with exponential backoff (base 2, capped). Non-retryable
// errors fail immediately; context cancellation stops the schedule.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) Result[T] {
	cfg = cfg.normalized()
	start := time.Now()

	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		data, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Data = data
			res.Err = nil
			res.TotalTime = time.Since(start)
			return res
		}
		res.Err = err

		if !Retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient error")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.TotalTime = time.Since(start)
			return res
		}
	}

	res.TotalTime = time.Since(start)
	return res
}
