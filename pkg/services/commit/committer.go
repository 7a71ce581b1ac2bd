// Package commit writes approved records to the catalog sink in parallel chunks.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
	"github.com/ekaya-inc/ekaya-import/pkg/retry"
	"github.com/ekaya-inc/ekaya-import/pkg/workerpool"
)

// ErrUnresolvedErrors marks a row that still has high-severity validation errors.
var ErrUnresolvedErrors = errors.New("row has unresolved high-severity validation errors")

// Progress is reported after every finished chunk, serially.
type Progress struct {
	models.ImportProgress
	Batch           *models.ImportBatch
	CompletedChunks int
	TotalChunks     int
}

// Request describes one commit run.
type Request struct {
	SessionID uuid.UUID
	Schema    *models.TargetSchema
	Rows      []models.PreviewRow
	BatchSize int
	// SkipErrors records failing rows and keeps going instead of failing their chunk.
	SkipErrors bool
	// Cancelled is checked before each chunk starts.
	Cancelled  func() bool
	OnProgress func(Progress)
}

// Committer runs the commit phase of an import.
type Committer interface {
	// Commit partitions rows, persists the chunk plan and writes every chunk.
	// When every chunk fails the first BatchWriteFailure is returned with the result.
	// ctx must not carry a database scope; each chunk acquires its own.
	Commit(ctx context.Context, req Request) (*models.CommitResult, error)
}

type committer struct {
	repo   repositories.ImportBatchRepository
	scope  database.ScopeFunc
	sink   sink.Sink
	pool   *workerpool.Pool
	cfg    config.ImportConfig
	logger *zap.Logger
}

// NewCommitter creates a Committer.
func NewCommitter(
	repo repositories.ImportBatchRepository,
	scope database.ScopeFunc,
	target sink.Sink,
	pool *workerpool.Pool,
	cfg config.ImportConfig,
	logger *zap.Logger,
) Committer {
	return &committer{
		repo:   repo,
		scope:  scope,
		sink:   target,
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("committer"),
	}
}

var _ Committer = (*committer)(nil)

// chunkOutcome is what one worker reports for its chunk.
type chunkOutcome struct {
	batch    *models.ImportBatch
	outcomes []models.ImportRecordOutcome
	failure  *apperrors.BatchWriteFailure
}

func (c *committer) Commit(ctx context.Context, req Request) (*models.CommitResult, error) {
	started := time.Now()
	result := &models.CommitResult{TotalRecords: len(req.Rows)}
	if len(req.Rows) == 0 {
		return result, nil
	}

	size := req.BatchSize
	if size <= 0 {
		size = c.cfg.DefaultBatchSize
	}
	batches := Partition(req.SessionID, len(req.Rows), size)
	result.Batches = batches

	if err := c.withScope(ctx, func(ctx context.Context) error {
		return c.repo.CreateBatches(ctx, batches)
	}); err != nil {
		return nil, fmt.Errorf("failed to persist chunk plan: %w", err)
	}

	c.logger.Info("Committing import",
		zap.String("session_id", req.SessionID.String()),
		zap.Int("records", len(req.Rows)),
		zap.Int("chunks", len(batches)),
		zap.Int("workers", c.pool.Size()),
		zap.Bool("skip_errors", req.SkipErrors))

	items := make([]workerpool.Item[*chunkOutcome], len(batches))
	for i, batch := range batches {
		items[i] = workerpool.Item[*chunkOutcome]{
			ID: fmt.Sprintf("chunk-%d", batch.BatchIndex),
			Execute: func(ctx context.Context, worker int) (*chunkOutcome, error) {
				return c.runChunk(ctx, req, batch, worker), nil
			},
		}
	}

	progress := models.ImportProgress{Total: len(req.Rows)}
	var firstFail *apperrors.BatchWriteFailure
	workerpool.Process(ctx, c.pool, items, func(r workerpool.Result[*chunkOutcome], completed, total int) {
		out := r.Value
		if out == nil {
			// never started: the context ended first
			out = c.skipChunk(req, batches[r.Index])
		}
		c.persist(ctx, out)

		batch := out.batch
		switch batch.Status {
		case models.BatchStatusCompleted:
			result.CompletedBatches++
		case models.BatchStatusFailed:
			result.FailedBatches++
			if firstFail == nil {
				firstFail = out.failure
			}
		case models.BatchStatusSkipped:
			result.SkippedBatches++
			result.Cancelled = true
		}
		for _, o := range out.outcomes {
			switch o.Status {
			case models.RecordSucceeded:
				result.Succeeded++
			case models.RecordFailed:
				result.Failed++
			case models.RecordSkipped:
				result.Skipped++
			}
		}

		progress.Processed += batch.RecordCount()
		progress.Succeeded = result.Succeeded
		progress.Failed = result.Failed
		updateRate(&progress, time.Since(started))

		if req.OnProgress != nil {
			req.OnProgress(Progress{
				ImportProgress:  progress,
				Batch:           batch,
				CompletedChunks: completed,
				TotalChunks:     total,
			})
		}
	})

	result.DurationMs = time.Since(started).Milliseconds()

	c.logger.Info("Commit finished",
		zap.String("session_id", req.SessionID.String()),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed_chunks", result.FailedBatches),
		zap.Bool("cancelled", result.Cancelled),
		zap.Int64("duration_ms", result.DurationMs))

	if result.AllBatchesFailed() && firstFail != nil {
		return result, firstFail
	}
	return result, nil
}

// updateRate recomputes throughput and the remaining-time estimate.
func updateRate(p *models.ImportProgress, elapsed time.Duration) {
	if elapsed <= 0 || p.Processed == 0 {
		return
	}
	p.RecordsPerSecond = float64(p.Processed) / elapsed.Seconds()
	remaining := p.Total - p.Processed
	if remaining <= 0 || p.RecordsPerSecond == 0 {
		p.ETAMs = 0
		return
	}
	p.ETAMs = int64(float64(remaining) / p.RecordsPerSecond * 1000)
}

func (c *committer) runChunk(ctx context.Context, req Request, batch *models.ImportBatch, worker int) *chunkOutcome {
	if ctx.Err() != nil || (req.Cancelled != nil && req.Cancelled()) {
		return c.skipChunk(req, batch)
	}

	now := time.Now()
	batch.Status = models.BatchStatusProcessing
	batch.WorkerID = worker
	batch.StartedAt = &now

	rows := req.Rows[batch.Start:batch.End]
	failed := make(map[int]error)
	writable := make([]models.PreviewRow, 0, len(rows))
	for _, row := range rows {
		if hasHighSeverity(row) {
			failed[row.RowIndex] = ErrUnresolvedErrors
			continue
		}
		writable = append(writable, row)
	}

	var chunkErr error
	if len(failed) > 0 && !req.SkipErrors {
		chunkErr = fmt.Errorf("%d rows with unresolved errors", len(failed))
	} else if len(writable) > 0 {
		chunk := sink.Chunk{
			SessionID:  req.SessionID,
			BatchIndex: batch.BatchIndex,
			Schema:     req.Schema,
			Rows:       writable,
			Atomic:     !req.SkipErrors,
		}
		var rowErrs []sink.RowError
		attempts, err := retry.Attempts(ctx, retry.BatchConfig(c.cfg.MaxBatchRetries), func(int) error {
			var writeErr error
			rowErrs, writeErr = c.sink.WriteChunk(ctx, chunk)
			return writeErr
		})
		batch.Attempts = attempts
		if err != nil {
			chunkErr = err
		}
		for _, re := range rowErrs {
			failed[re.RowIndex] = re.Err
		}
	}

	completed := time.Now()
	batch.CompletedAt = &completed

	if chunkErr != nil {
		failure := &apperrors.BatchWriteFailure{BatchIndex: batch.BatchIndex, Attempts: batch.Attempts, Err: chunkErr}
		batch.Status = models.BatchStatusFailed
		batch.Error = failure.Error()
		batch.SuccessCount = 0
		batch.FailureCount = len(rows)

		c.logger.Warn("Chunk failed",
			zap.String("session_id", req.SessionID.String()),
			zap.Int("batch_index", batch.BatchIndex),
			zap.Int("attempts", batch.Attempts),
			zap.Error(chunkErr))

		outcomes := make([]models.ImportRecordOutcome, len(rows))
		for i, row := range rows {
			msg := chunkErr.Error()
			if rowErr, ok := failed[row.RowIndex]; ok {
				msg = rowErr.Error()
			}
			outcomes[i] = recordOutcome(req.SessionID, batch, row.RowIndex, models.RecordFailed, msg)
		}
		return &chunkOutcome{batch: batch, outcomes: outcomes, failure: failure}
	}

	outcomes := make([]models.ImportRecordOutcome, len(rows))
	for i, row := range rows {
		if rowErr, ok := failed[row.RowIndex]; ok {
			outcomes[i] = recordOutcome(req.SessionID, batch, row.RowIndex, models.RecordFailed, rowErr.Error())
			batch.FailureCount++
			continue
		}
		outcomes[i] = recordOutcome(req.SessionID, batch, row.RowIndex, models.RecordSucceeded, "")
		batch.SuccessCount++
	}
	batch.Status = models.BatchStatusCompleted
	return &chunkOutcome{batch: batch, outcomes: outcomes}
}

func (c *committer) skipChunk(req Request, batch *models.ImportBatch) *chunkOutcome {
	batch.Status = models.BatchStatusSkipped
	outcomes := make([]models.ImportRecordOutcome, 0, batch.RecordCount())
	for i := batch.Start; i < batch.End; i++ {
		outcomes = append(outcomes, recordOutcome(req.SessionID, batch, req.Rows[i].RowIndex, models.RecordSkipped, "cancelled"))
	}
	return &chunkOutcome{batch: batch, outcomes: outcomes}
}

func recordOutcome(sessionID uuid.UUID, batch *models.ImportBatch, rowIndex int, status models.RecordStatus, msg string) models.ImportRecordOutcome {
	return models.ImportRecordOutcome{
		SessionID:   sessionID,
		RecordIndex: rowIndex,
		BatchIndex:  batch.BatchIndex,
		Status:      status,
		Error:       msg,
		CreatedAt:   time.Now(),
	}
}

func hasHighSeverity(row models.PreviewRow) bool {
	for _, e := range row.Errors {
		if e.Severity == models.SeverityHigh {
			return true
		}
	}
	return false
}

// persist writes a finished chunk and its record history. Failures are logged;
// the commit result stays authoritative for the session.
func (c *committer) persist(ctx context.Context, out *chunkOutcome) {
	// history must land even when the run was cancelled
	ctx = context.WithoutCancel(ctx)
	err := c.withScope(ctx, func(ctx context.Context) error {
		if err := c.repo.UpdateBatch(ctx, out.batch); err != nil {
			return err
		}
		return c.repo.InsertOutcomes(ctx, out.outcomes)
	})
	if err != nil {
		c.logger.Error("Failed to persist chunk outcome",
			zap.String("session_id", out.batch.SessionID.String()),
			zap.Int("batch_index", out.batch.BatchIndex),
			zap.Error(err))
	}
}

func (c *committer) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cleanup, err := c.scope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx)
}
