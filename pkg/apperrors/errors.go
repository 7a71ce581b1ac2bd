package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSessionTerminal   = errors.New("session is in a terminal state")
	ErrNotAuthorized     = errors.New("approver is not assigned to this request")
	ErrCancelled         = errors.New("import cancelled")
	ErrNotAnalyzed       = errors.New("session has not been analyzed")
	ErrNotMapped         = errors.New("session has no mappings")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidRequest    = errors.New("invalid request")
)

// ParseError reports content that could not be read at all.
type ParseError struct {
	Format string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s at line %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EmptyInputError reports a file with no data rows.
type EmptyInputError struct {
	Format string
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("%s input contains no data rows", e.Format)
}

// MalformedInputError reports structured content that is not valid.
type MalformedInputError struct {
	Format string
	Offset int64
	Err    error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %s input at offset %d: %v", e.Format, e.Offset, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// MappingAmbiguityWarning flags a source field whose top candidates were too close.
// It is recorded, never returned as a failure.
type MappingAmbiguityWarning struct {
	SourceField string
	Candidates  []string
	Margin      float64
}

func (e *MappingAmbiguityWarning) Error() string {
	return fmt.Sprintf("ambiguous mapping for %q: candidates %v within %.1f points", e.SourceField, e.Candidates, e.Margin)
}

// ExternalClassifierTimeout reports an abandoned classifier call.
type ExternalClassifierTimeout struct {
	SourceField string
	Timeout     time.Duration
}

func (e *ExternalClassifierTimeout) Error() string {
	return fmt.Sprintf("external classifier timed out after %s for field %q", e.Timeout, e.SourceField)
}

// ApprovalTimeoutError reports an approval that was not decided before its deadline.
type ApprovalTimeoutError struct {
	RequestID string
	Deadline  time.Time
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval request %s passed its deadline %s", e.RequestID, e.Deadline.Format(time.RFC3339))
}

// BatchWriteFailure reports a chunk that could not be written after retries.
type BatchWriteFailure struct {
	BatchIndex int
	Attempts   int
	Err        error
}

func (e *BatchWriteFailure) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempts: %v", e.BatchIndex, e.Attempts, e.Err)
}

func (e *BatchWriteFailure) Unwrap() error { return e.Err }

// AlreadyResolvedError reports a decision on a request that is no longer pending.
type AlreadyResolvedError struct {
	RequestID string
	Status    string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval request %s already resolved (%s)", e.RequestID, e.Status)
}

// CostLimitExceeded reports that a session's external classifier budget is spent.
type CostLimitExceeded struct {
	Ceiling float64
	Spent   float64
}

func (e *CostLimitExceeded) Error() string {
	return fmt.Sprintf("external classifier cost ceiling %.4f reached (spent %.4f)", e.Ceiling, e.Spent)
}

// IsFatal returns true for errors that must fail the session.
func IsFatal(err error) bool {
	var parseErr *ParseError
	var emptyErr *EmptyInputError
	var malformedErr *MalformedInputError
	return errors.As(err, &parseErr) || errors.As(err, &emptyErr) || errors.As(err, &malformedErr)
}

// Kind returns a short machine name for err, used in session error logs.
func Kind(err error) string {
	var (
		parseErr     *ParseError
		emptyErr     *EmptyInputError
		malformedErr *MalformedInputError
		ambiguityErr *MappingAmbiguityWarning
		timeoutErr   *ExternalClassifierTimeout
		approvalErr  *ApprovalTimeoutError
		batchErr     *BatchWriteFailure
		resolvedErr  *AlreadyResolvedError
		costErr      *CostLimitExceeded
	)
	switch {
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &emptyErr):
		return "empty_input"
	case errors.As(err, &malformedErr):
		return "malformed_input"
	case errors.As(err, &ambiguityErr):
		return "mapping_ambiguity"
	case errors.As(err, &timeoutErr):
		return "external_classifier_timeout"
	case errors.As(err, &approvalErr):
		return "approval_timeout"
	case errors.As(err, &batchErr):
		return "batch_write_failure"
	case errors.As(err, &resolvedErr):
		return "already_resolved"
	case errors.As(err, &costErr):
		return "cost_limit_exceeded"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
