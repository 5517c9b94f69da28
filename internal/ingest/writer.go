// Package ingest provides the two write paths into the hot tier: bulk batch
// loading and streaming events. Both funnel through a single partition
// writer that owns the seal-and-reopen decision.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/notify"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// Thresholds trigger seal-and-reopen when the OPEN partition grows past
// either bound.
type Thresholds struct {
	MaxRows  int64
	MaxBytes int64
}

// PartitionWriter appends records to the OPEN partition and rolls it over
// when it fills. All appends are serialized: partition accounting and the
// seal decision read their own writes.
type PartitionWriter struct {
	mu         sync.Mutex
	registry   registry.Registry
	hot        *hot.Store
	thresholds Thresholds
	hub        *notify.Hub
}

// NewPartitionWriter creates a partition writer.
func NewPartitionWriter(reg registry.Registry, store *hot.Store, thresholds Thresholds) *PartitionWriter {
	return &PartitionWriter{
		registry:   reg,
		hot:        store,
		thresholds: thresholds,
	}
}

// WithHub attaches a notification hub; each append publishes the kinds it
// touched so downstream caches can invalidate.
func (w *PartitionWriter) WithHub(hub *notify.Hub) *PartitionWriter {
	w.hub = hub
	return w
}

// Append validates record keys against the OPEN partition's range, writes
// them to the hot tier, and updates accounting. Records whose key falls
// below the OPEN low bound belong to an already-sealed range and are
// rejected before anything is written.
func (w *PartitionWriter) Append(ctx context.Context, records []types.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	open, err := w.ensureOpen(ctx, minKey(records))
	if err != nil {
		return err
	}

	for i := range records {
		if records[i].Key < open.Range.Low {
			return serrors.NewValidationError(serrors.CodeInvalidRecord,
				fmt.Sprintf("record key %d precedes open partition bound %d", records[i].Key, open.Range.Low))
		}
	}

	if _, err := w.hot.Append(ctx, open.ID, records); err != nil {
		return err
	}

	// Accounting is re-measured from the hot store rather than accumulated:
	// a replayed sub-batch overwrites rows it already wrote, and a delta
	// would count them twice.
	rowCount, byteSize, err := w.hot.Stats(ctx, open.ID)
	if err != nil {
		return err
	}
	if err := w.registry.SetAccounting(ctx, open.ID, rowCount, byteSize); err != nil {
		return err
	}

	if w.hub != nil {
		kinds := make([]string, 0, 4)
		seen := make(map[string]struct{})
		for i := range records {
			if _, ok := seen[records[i].Kind]; !ok {
				seen[records[i].Kind] = struct{}{}
				kinds = append(kinds, records[i].Kind)
			}
		}
		w.hub.Publish(notify.Event{
			Type:        notify.RecordsWritten,
			PartitionID: open.ID,
			Kinds:       kinds,
			RowCount:    int64(len(records)),
		})
	}

	return w.maybeRoll(ctx, open.ID)
}

// ensureOpen returns the OPEN partition, opening the first one at firstLow
// when the registry is empty.
func (w *PartitionWriter) ensureOpen(ctx context.Context, firstLow int64) (*types.Partition, error) {
	open, err := w.registry.OpenPartition(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}
	return w.registry.Open(ctx, firstLow)
}

// maybeRoll seals the OPEN partition and opens its successor when a
// threshold is exceeded. The seal bound is one past the highest written
// key, so the successor's range starts right after the sealed data.
func (w *PartitionWriter) maybeRoll(ctx context.Context, partitionID string) error {
	p, err := w.registry.Get(ctx, partitionID)
	if err != nil {
		return err
	}
	if p.State != types.StateOpen {
		return nil
	}

	overRows := w.thresholds.MaxRows > 0 && p.RowCount >= w.thresholds.MaxRows
	overBytes := w.thresholds.MaxBytes > 0 && p.ByteSize >= w.thresholds.MaxBytes
	if !overRows && !overBytes {
		return nil
	}

	maxKey, ok, err := w.hot.MaxKey(ctx, p.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	high := maxKey + 1
	if err := w.registry.SealAt(ctx, p.ID, high); err != nil {
		return err
	}
	log.Printf("ingest: sealed partition %s at %d (%d rows, %d bytes)", p.ID, high, p.RowCount, p.ByteSize)

	if _, err := w.registry.Open(ctx, high); err != nil {
		return err
	}
	return nil
}

func minKey(records []types.Record) int64 {
	min := records[0].Key
	for i := 1; i < len(records); i++ {
		if records[i].Key < min {
			min = records[i].Key
		}
	}
	return min
}
