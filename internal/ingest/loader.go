package ingest

import (
	"context"
	"fmt"
	"log"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// RecordError pinpoints an invalid record within a rejected batch.
type RecordError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult reports the outcome of a batch load.
type BatchResult struct {
	BatchID   string            `json:"batch_id"`
	Status    types.BatchStatus `json:"status"`
	Accepted  int               `json:"accepted"`
	Duplicate bool              `json:"duplicate"`
	Errors    []RecordError     `json:"errors,omitempty"`
}

// Loader applies ingestion batches to the hot tier. A batch either applies
// completely or is rejected; replays of an applied batch are no-ops, and
// replays of a batch interrupted mid-apply resume where they left off.
type Loader struct {
	registry     registry.Registry
	writer       *PartitionWriter
	subBatchSize int
}

// NewLoader creates a batch loader. subBatchSize bounds the unit of work
// between idempotency marks.
func NewLoader(reg registry.Registry, writer *PartitionWriter, subBatchSize int) *Loader {
	if subBatchSize <= 0 {
		subBatchSize = 5000
	}
	return &Loader{
		registry:     reg,
		writer:       writer,
		subBatchSize: subBatchSize,
	}
}

// Load validates and applies a batch.
func (l *Loader) Load(ctx context.Context, batch *types.IngestionBatch) (*BatchResult, error) {
	if batch.BatchID == "" {
		return nil, serrors.NewValidationError(serrors.CodeInvalidBatch, "batch id is required")
	}
	if len(batch.Records) == 0 {
		return nil, serrors.NewValidationError(serrors.CodeEmptyBatch,
			fmt.Sprintf("batch %s contains no records", batch.BatchID))
	}

	// Replays of a settled batch return its recorded outcome without
	// touching the hot tier.
	status, err := l.registry.BatchStatus(ctx, batch.BatchID)
	if err != nil {
		return nil, err
	}
	switch status {
	case types.BatchApplied:
		return &BatchResult{BatchID: batch.BatchID, Status: types.BatchApplied,
			Accepted: len(batch.Records), Duplicate: true}, nil
	case types.BatchRejected:
		return &BatchResult{BatchID: batch.BatchID, Status: types.BatchRejected, Duplicate: true}, nil
	}

	if _, err := l.registry.CreateBatch(ctx, batch.BatchID, batch.Source, len(batch.Records)); err != nil {
		return nil, err
	}

	// Validation is all-or-nothing: one bad record rejects the batch.
	if errs := validateRecords(batch.Records); len(errs) > 0 {
		if err := l.registry.SetBatchStatus(ctx, batch.BatchID, types.BatchRejected); err != nil {
			return nil, err
		}
		return &BatchResult{BatchID: batch.BatchID, Status: types.BatchRejected, Errors: errs}, nil
	}

	// Apply sub-batches, skipping any already marked from a prior attempt.
	for offset := 0; offset*l.subBatchSize < len(batch.Records); offset++ {
		applied, err := l.registry.SubBatchApplied(ctx, batch.BatchID, offset)
		if err != nil {
			return nil, err
		}
		if applied {
			continue
		}

		start := offset * l.subBatchSize
		end := start + l.subBatchSize
		if end > len(batch.Records) {
			end = len(batch.Records)
		}

		if err := l.writer.Append(ctx, batch.Records[start:end]); err != nil {
			return nil, err
		}
		if err := l.registry.MarkSubBatchApplied(ctx, batch.BatchID, offset); err != nil {
			return nil, err
		}
	}

	if err := l.registry.SetBatchStatus(ctx, batch.BatchID, types.BatchApplied); err != nil {
		return nil, err
	}
	log.Printf("ingest: batch %s applied (%d records)", batch.BatchID, len(batch.Records))

	return &BatchResult{BatchID: batch.BatchID, Status: types.BatchApplied, Accepted: len(batch.Records)}, nil
}

func validateRecords(records []types.Record) []RecordError {
	var errs []RecordError
	for i := range records {
		if reason := validateRecord(&records[i]); reason != "" {
			errs = append(errs, RecordError{Index: i, Reason: reason})
		}
	}
	return errs
}

func validateRecord(rec *types.Record) string {
	if len(rec.RecordID) == 0 {
		return "record id is required"
	}
	if rec.Kind == "" {
		return "kind is required"
	}
	if rec.Key < 0 {
		return "key must be non-negative"
	}
	if rec.Payload == nil {
		return "payload is required"
	}
	return ""
}
