package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

type ingestEnv struct {
	registry *registry.SQLiteRegistry
	hot      *hot.Store
	writer   *PartitionWriter
}

func newIngestEnv(t *testing.T, thresholds Thresholds) *ingestEnv {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.NewRegistry(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	hs, err := hot.NewStore(filepath.Join(dir, "hot"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { hs.Close() })

	return &ingestEnv{
		registry: reg,
		hot:      hs,
		writer:   NewPartitionWriter(reg, hs, thresholds),
	}
}

func batchOf(batchID string, keys ...int64) *types.IngestionBatch {
	records := make([]types.Record, len(keys))
	for i, k := range keys {
		records[i] = types.Record{
			RecordID: []byte(fmt.Sprintf("%s-r%d", batchID, i)),
			Key:      k,
			Kind:     "click",
			Payload:  map[string]interface{}{"i": float64(i)},
		}
	}
	return &types.IngestionBatch{BatchID: batchID, Source: "test", Records: records}
}

func TestLoadBatchHappyPath(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 2)
	ctx := context.Background()

	result, err := loader.Load(ctx, batchOf("b1", 10, 20, 30, 40, 50))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if result.Status != types.BatchApplied || result.Accepted != 5 {
		t.Errorf("unexpected result: %+v", result)
	}

	open, _ := env.registry.OpenPartition(ctx)
	if open == nil {
		t.Fatal("expected an open partition")
	}
	if open.RowCount != 5 {
		t.Errorf("expected accounting of 5 rows, got %d", open.RowCount)
	}

	got, err := env.hot.Query(ctx, open.ID, types.KeyRange{Low: 0, High: 100}, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 records in hot tier, got %d", len(got))
	}
}

func TestLoadEmptyBatchRejected(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 100)

	_, err := loader.Load(context.Background(), &types.IngestionBatch{BatchID: "b1"})
	if serrors.GetCode(err) != serrors.CodeEmptyBatch {
		t.Errorf("expected EMPTY_BATCH, got %v", err)
	}

	_, err = loader.Load(context.Background(), batchOf("", 1))
	if serrors.GetCode(err) != serrors.CodeInvalidBatch {
		t.Errorf("expected INVALID_BATCH for missing id, got %v", err)
	}
}

func TestLoadInvalidRecordRejectsWholeBatch(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 100)
	ctx := context.Background()

	batch := batchOf("b1", 10, 20)
	batch.Records[1].Kind = ""

	result, err := loader.Load(ctx, batch)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if result.Status != types.BatchRejected {
		t.Fatalf("expected REJECTED, got %s", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Index != 1 {
		t.Errorf("expected one error at index 1, got %+v", result.Errors)
	}

	// Nothing was written.
	if open, _ := env.registry.OpenPartition(ctx); open != nil && open.RowCount != 0 {
		t.Error("rejected batch must not write records")
	}

	// Rejection is remembered on replay.
	replay, err := loader.Load(ctx, batch)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Status != types.BatchRejected || !replay.Duplicate {
		t.Errorf("expected remembered rejection, got %+v", replay)
	}
}

func TestLoadReplayIsIdempotent(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 2)
	ctx := context.Background()

	batch := batchOf("b1", 10, 20, 30)
	if _, err := loader.Load(ctx, batch); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	result, err := loader.Load(ctx, batch)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !result.Duplicate || result.Status != types.BatchApplied {
		t.Errorf("expected duplicate outcome, got %+v", result)
	}

	open, _ := env.registry.OpenPartition(ctx)
	if open.RowCount != 3 {
		t.Errorf("replay must not double-count: got %d rows", open.RowCount)
	}
}

func TestLoadResumesPartiallyAppliedBatch(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 2)
	ctx := context.Background()

	batch := batchOf("b1", 10, 20, 30, 40)

	// Simulate a crash after the first sub-batch: registered, first
	// sub-batch applied, never settled.
	env.registry.CreateBatch(ctx, batch.BatchID, batch.Source, len(batch.Records))
	if err := env.writer.Append(ctx, batch.Records[:2]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	env.registry.MarkSubBatchApplied(ctx, batch.BatchID, 0)

	result, err := loader.Load(ctx, batch)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if result.Status != types.BatchApplied {
		t.Fatalf("expected APPLIED, got %s", result.Status)
	}

	open, _ := env.registry.OpenPartition(ctx)
	if open.RowCount != 4 {
		t.Errorf("expected 4 rows after resume, got %d", open.RowCount)
	}
}

func TestReplayedSubBatchCountsRowsOnce(t *testing.T) {
	env := newIngestEnv(t, Thresholds{})
	loader := NewLoader(env.registry, env.writer, 5)
	ctx := context.Background()

	batch := batchOf("b1", 10, 20, 30, 40, 50, 60, 70, 80, 90, 100)

	// Simulate a crash between the hot append and the sub-batch mark: the
	// rows landed but offset 0 was never recorded, so the resubmit replays
	// that sub-batch.
	env.registry.CreateBatch(ctx, batch.BatchID, batch.Source, len(batch.Records))
	if err := env.writer.Append(ctx, batch.Records[:5]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	result, err := loader.Load(ctx, batch)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if result.Status != types.BatchApplied {
		t.Fatalf("expected APPLIED, got %s", result.Status)
	}

	open, _ := env.registry.OpenPartition(ctx)
	rows, bytes, err := env.hot.Stats(ctx, open.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if rows != 10 {
		t.Fatalf("expected 10 hot rows, got %d", rows)
	}
	if open.RowCount != rows || open.ByteSize != bytes {
		t.Errorf("accounting (%d, %d) does not match hot store (%d, %d)",
			open.RowCount, open.ByteSize, rows, bytes)
	}
}

func TestThresholdSealAndReopen(t *testing.T) {
	env := newIngestEnv(t, Thresholds{MaxRows: 3})
	loader := NewLoader(env.registry, env.writer, 100)
	ctx := context.Background()

	if _, err := loader.Load(ctx, batchOf("b1", 10, 20, 30)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Threshold hit: the partition sealed at max key + 1 and a successor
	// opened at that bound.
	sealed, err := env.registry.InState(ctx, types.StateSealed)
	if err != nil || len(sealed) != 1 {
		t.Fatalf("expected 1 sealed partition, got %d (%v)", len(sealed), err)
	}
	if sealed[0].Range.High != 31 {
		t.Errorf("expected seal bound 31, got %d", sealed[0].Range.High)
	}

	open, _ := env.registry.OpenPartition(ctx)
	if open == nil || open.Range.Low != 31 {
		t.Fatalf("expected successor open at 31, got %+v", open)
	}

	// A record below the new bound is late and rejected.
	_, err = loader.Load(ctx, batchOf("b2", 15))
	if serrors.GetCode(err) != serrors.CodeInvalidRecord {
		t.Errorf("expected INVALID_RECORD for late key, got %v", err)
	}

	// Records at or above the bound are accepted.
	if _, err := loader.Load(ctx, batchOf("b3", 31, 40)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}
