package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) *Config {
	return &Config{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type declaredError struct{ retryable bool }

func (e declaredError) Error() string     { return "declared" }
func (e declaredError) IsRetryable() bool { return e.retryable }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestBatchConfig(t *testing.T) {
	assert.Equal(t, 5, BatchConfig(5).MaxRetries)
	assert.Equal(t, 0, BatchConfig(0).MaxRetries)
	assert.Equal(t, 3, BatchConfig(-1).MaxRetries)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})

	require.EqualError(t, err, "attempt 3")
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func() error {
		calls++
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("once")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDoIfRetryable_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.New("syntax error at or near SELECT")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoIfRetryable_SameErrorTypeEscalates(t *testing.T) {
	cfg := fastConfig(10)
	cfg.MaxSameErrorType = 3

	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return errors.New("HTTP 503 service unavailable")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error")
	assert.Equal(t, 3, calls)
}

func TestAttempts_ReportsCount(t *testing.T) {
	var seen []int
	n, err := Attempts(context.Background(), fastConfig(3), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestAttempts_Exhausted(t *testing.T) {
	n, err := Attempts(context.Background(), fastConfig(2), func(int) error {
		return errors.New("i/o timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, n)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "rate limit", err: errors.New("429 Too Many Requests"), want: true},
		{name: "sqlite busy", err: errors.New("database is locked"), want: true},
		{name: "permanent", err: errors.New("invalid input syntax"), want: false},
		{name: "context cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: false},
		{name: "declared retryable", err: declaredError{retryable: true}, want: true},
		{name: "declared permanent wrapped", err: fmt.Errorf("x: %w", declaredError{retryable: false}), want: false},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
