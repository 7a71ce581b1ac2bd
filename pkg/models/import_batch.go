package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the state of one commit chunk.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusSkipped    BatchStatus = "skipped"
)

// IsTerminal returns true once a chunk will not be touched again.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusSkipped
}

// ImportBatch is one fixed-size chunk of the commit phase covering [Start, End).
type ImportBatch struct {
	ID           uuid.UUID   `json:"id"`
	SessionID    uuid.UUID   `json:"session_id"`
	BatchIndex   int         `json:"batch_index"`
	Start        int         `json:"start"`
	End          int         `json:"end"`
	Status       BatchStatus `json:"status"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	Attempts     int         `json:"attempts"`
	WorkerID     int         `json:"worker_id"`
	Error        string      `json:"error,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// RecordCount is the number of source records covered.
func (b *ImportBatch) RecordCount() int {
	return b.End - b.Start
}

// RecordStatus is the outcome of one source record.
type RecordStatus string

const (
	RecordSucceeded RecordStatus = "succeeded"
	RecordFailed    RecordStatus = "failed"
	RecordSkipped   RecordStatus = "skipped"
)

// ImportRecordOutcome is a history row for one source record.
type ImportRecordOutcome struct {
	SessionID   uuid.UUID    `json:"session_id"`
	RecordIndex int          `json:"record_index"`
	BatchIndex  int          `json:"batch_index"`
	Status      RecordStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CommitResult summarises the commit phase.
type CommitResult struct {
	TotalRecords     int            `json:"total_records"`
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	Skipped          int            `json:"skipped"`
	CompletedBatches int            `json:"completed_batches"`
	FailedBatches    int            `json:"failed_batches"`
	SkippedBatches   int            `json:"skipped_batches"`
	Cancelled        bool           `json:"cancelled"`
	DurationMs       int64          `json:"duration_ms"`
	Batches          []*ImportBatch `json:"batches,omitempty"`
}

// AllBatchesFailed is true when every chunk failed.
func (r *CommitResult) AllBatchesFailed() bool {
	return len(r.Batches) > 0 && r.FailedBatches == len(r.Batches)
}
