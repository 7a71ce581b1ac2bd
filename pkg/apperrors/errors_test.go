package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"parse", &ParseError{Format: "xlsx", Err: errors.New("zip: not a valid zip file")}, true},
		{"empty", &EmptyInputError{Format: "csv"}, true},
		{"wrapped malformed", fmt.Errorf("analyze: %w", &MalformedInputError{Format: "json", Err: errors.New("eof")}), true},
		{"batch failure", &BatchWriteFailure{BatchIndex: 2, Attempts: 3, Err: errors.New("conn reset")}, false},
		{"cost", &CostLimitExceeded{Ceiling: 1, Spent: 1}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "empty_input", Kind(&EmptyInputError{Format: "csv"}))
	assert.Equal(t, "batch_write_failure", Kind(fmt.Errorf("commit: %w", &BatchWriteFailure{Err: errors.New("x")})))
	assert.Equal(t, "already_resolved", Kind(&AlreadyResolvedError{RequestID: "r", Status: "approved"}))
	assert.Equal(t, "cancelled", Kind(fmt.Errorf("mapping: %w", ErrCancelled)))
	assert.Equal(t, "internal", Kind(errors.New("x")))
}

func TestBatchWriteFailure_Unwrap(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := &BatchWriteFailure{BatchIndex: 1, Attempts: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "batch 1 failed after 3 attempts")
}
