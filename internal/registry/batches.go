package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stratadb/strata/pkg/types"
)

// BatchBookkeeper records ingestion batch progress. Sub-batch application
// marks are what make batch replays idempotent: a replayed batch skips every
// sub-batch already marked applied.
type BatchBookkeeper interface {
	// CreateBatch registers a batch in PENDING status. Re-registering an
	// existing batch is a no-op and reports found = true.
	CreateBatch(ctx context.Context, batchID, source string, recordCount int) (found bool, err error)

	// BatchStatus returns the recorded status of a batch, or empty string
	// if the batch is unknown.
	BatchStatus(ctx context.Context, batchID string) (types.BatchStatus, error)

	// SetBatchStatus records the terminal status of a batch.
	SetBatchStatus(ctx context.Context, batchID string, status types.BatchStatus) error

	// SubBatchApplied reports whether the sub-batch at the given offset
	// has already been applied.
	SubBatchApplied(ctx context.Context, batchID string, offset int) (bool, error)

	// MarkSubBatchApplied durably marks a sub-batch as applied. Marking
	// the same sub-batch twice is a no-op.
	MarkSubBatchApplied(ctx context.Context, batchID string, offset int) error
}

// StreamCursorStore persists per-key stream sequence cursors. Events at or
// below the persisted cursor are duplicates and must not be re-applied.
type StreamCursorStore interface {
	// StreamCursor returns the highest applied sequence number for a
	// partition key, or 0 if none has been recorded.
	StreamCursor(ctx context.Context, partitionKey string) (uint64, error)

	// SaveStreamCursor advances the cursor for a partition key. The cursor
	// never moves backwards.
	SaveStreamCursor(ctx context.Context, partitionKey string, sequenceNo uint64) error
}

func (r *SQLiteRegistry) CreateBatch(ctx context.Context, batchID, source string, recordCount int) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batches (batch_id, source, record_count, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		batchID, source, recordCount, types.BatchPending, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("registry: failed to create batch: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 0, nil
}

func (r *SQLiteRegistry) BatchStatus(ctx context.Context, batchID string) (types.BatchStatus, error) {
	var status string
	err := r.readDB.QueryRowContext(ctx,
		"SELECT status FROM batches WHERE batch_id = ?", batchID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("registry: failed to read batch status: %w", err)
	}
	return types.BatchStatus(status), nil
}

func (r *SQLiteRegistry) SetBatchStatus(ctx context.Context, batchID string, status types.BatchStatus) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE batches SET status = ? WHERE batch_id = ?", status, batchID,
	); err != nil {
		return fmt.Errorf("registry: failed to set batch status: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) SubBatchApplied(ctx context.Context, batchID string, offset int) (bool, error) {
	var exists int
	err := r.readDB.QueryRowContext(ctx,
		"SELECT 1 FROM batch_subbatches WHERE batch_id = ? AND sub_offset = ?",
		batchID, offset,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: failed to check sub-batch: %w", err)
	}
	return true, nil
}

func (r *SQLiteRegistry) MarkSubBatchApplied(ctx context.Context, batchID string, offset int) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_subbatches (batch_id, sub_offset, applied_at) VALUES (?, ?, ?)`,
		batchID, offset, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("registry: failed to mark sub-batch applied: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) StreamCursor(ctx context.Context, partitionKey string) (uint64, error) {
	var seq uint64
	err := r.readDB.QueryRowContext(ctx,
		"SELECT sequence_no FROM stream_cursors WHERE partition_key = ?", partitionKey,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry: failed to read stream cursor: %w", err)
	}
	return seq, nil
}

func (r *SQLiteRegistry) SaveStreamCursor(ctx context.Context, partitionKey string, sequenceNo uint64) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_cursors (partition_key, sequence_no, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(partition_key) DO UPDATE SET
		   sequence_no = excluded.sequence_no,
		   updated_at = excluded.updated_at
		 WHERE excluded.sequence_no > stream_cursors.sequence_no`,
		partitionKey, sequenceNo, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("registry: failed to save stream cursor: %w", err)
	}
	return nil
}
