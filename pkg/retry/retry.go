// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0, spread applied to each delay
	MaxSameErrorType int     // consecutive failures of one kind before giving up early (0 disables)
}

// DefaultConfig returns the defaults used for database operations:
// 3 retries starting at 100ms, doubling, capped at 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// BatchConfig returns the policy for committing one import chunk.
func BatchConfig(maxRetries int) *Config {
	cfg := DefaultConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	cfg.InitialDelay = 250 * time.Millisecond
	cfg.MaxDelay = 10 * time.Second
	return cfg
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// wait sleeps for the current delay and returns the next one.
func wait(ctx context.Context, cfg *Config, delay time.Duration) (time.Duration, error) {
	timer := time.NewTimer(applyJitter(delay, cfg.JitterFactor))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return delay, ctx.Err()
	}

	next := time.Duration(float64(delay) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next, nil
}

// Do executes fn until it succeeds or retries are exhausted.
// Returns the last error, or ctx.Err() if cancelled while waiting.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := run(ctx, cfg, false, func(int) error { return fn() })
	return err
}

// DoWithResult executes fn and returns its result.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	_, err := run(ctx, cfg, false, func(int) error {
		r, err := fn()
		result = r
		return err
	})
	return result, err
}

// DoIfRetryable only retries errors that IsRetryable reports as transient.
// Permanent errors are returned immediately.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := run(ctx, cfg, true, func(int) error { return fn() })
	return err
}

// Attempts behaves like DoIfRetryable and also reports how many times fn ran.
// fn receives the 1-based attempt number.
func Attempts(ctx context.Context, cfg *Config, fn func(attempt int) error) (int, error) {
	return run(ctx, cfg, true, fn)
}

func run(ctx context.Context, cfg *Config, transientOnly bool, fn func(attempt int) error) (int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	var lastKind string
	sameKind := 0
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := fn(attempt + 1)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if transientOnly {
			if !IsRetryable(err) {
				return attempt + 1, err
			}
			kind := classifyErrorType(err)
			if kind == lastKind {
				sameKind++
				if cfg.MaxSameErrorType > 0 && sameKind >= cfg.MaxSameErrorType {
					return attempt + 1, fmt.Errorf("repeated error (%d times, type=%s): %w", sameKind, kind, err)
				}
			} else {
				sameKind, lastKind = 1, kind
			}
		}

		if attempt < cfg.MaxRetries {
			if delay, err = wait(ctx, cfg, delay); err != nil {
				return attempt + 1, err
			}
		}
	}

	return cfg.MaxRetries + 1, lastErr
}

// RetryableError is implemented by errors that declare their own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// transientSQLStates are Postgres error classes and codes worth retrying.
var transientSQLStates = []string{
	"08",    // connection exception
	"40001", // serialization failure
	"40P01", // deadlock detected
	"53",    // insufficient resources
	"55P03", // lock not available
	"57P01", // admin shutdown
	"57P02", // crash shutdown
	"57P03", // cannot connect now
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"network is unreachable",
	"server selection error",
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"service unavailable",
	"too many requests",
	"database is locked",
}

// IsRetryable reports whether err looks transient. Errors that implement
// RetryableError decide for themselves; Postgres errors are judged by SQLSTATE;
// everything else falls back to message matching.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, state := range transientSQLStates {
			if strings.HasPrefix(pgErr.Code, state) {
				return true
			}
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// classifyErrorType buckets an error so repeated failures of one kind can be detected.
func classifyErrorType(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "sqlstate_" + pgErr.Code
	}

	msg := strings.ToLower(err.Error())
	for _, code := range []string{"503", "502", "504", "500", "429"} {
		if strings.Contains(msg, code) {
			return code
		}
	}
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "connection"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "deadlock"):
		return "deadlock"
	}
	return "unknown"
}
