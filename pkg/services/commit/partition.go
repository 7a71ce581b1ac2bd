package commit

import (
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Partition splits total records into contiguous chunks of at most size.
// Chunks cover [0, total) exactly once and are indexed from zero.
func Partition(sessionID uuid.UUID, total, size int) []*models.ImportBatch {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = total
	}

	batches := make([]*models.ImportBatch, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := min(start+size, total)
		batches = append(batches, &models.ImportBatch{
			ID:         uuid.New(),
			SessionID:  sessionID,
			BatchIndex: len(batches),
			Start:      start,
			End:        end,
			Status:     models.BatchStatusPending,
		})
	}
	return batches
}
