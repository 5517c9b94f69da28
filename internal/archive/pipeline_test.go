package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratadb/strata/internal/alert"
	"github.com/stratadb/strata/internal/bloom"
	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/pkg/types"
)

type pipelineEnv struct {
	registry *registry.SQLiteRegistry
	hot      *hot.Store
	storage  *storage.LocalStorage
	alerts   *alert.ChannelNotifier
	pipeline *Pipeline
	coldDir  string
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
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

	coldDir := filepath.Join(dir, "cold")
	ls, err := storage.NewLocalStorage(coldDir)
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	alerts := alert.NewChannelNotifier(8)
	workDir := filepath.Join(dir, "work")
	os.MkdirAll(workDir, 0755)

	return &pipelineEnv{
		registry: reg,
		hot:      hs,
		storage:  ls,
		alerts:   alerts,
		pipeline: NewPipeline(reg, hs, ls, alerts, workDir),
		coldDir:  coldDir,
	}
}

// sealedPartition opens a partition, writes records, and seals it.
func (env *pipelineEnv) sealedPartition(t *testing.T, records []types.Record) *types.Partition {
	t.Helper()
	ctx := context.Background()

	p, err := env.registry.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := env.hot.Append(ctx, p.ID, records); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	high := int64(1)
	for _, rec := range records {
		if rec.Key >= high {
			high = rec.Key + 1
		}
	}
	if err := env.registry.SealAt(ctx, p.ID, high); err != nil {
		t.Fatalf("SealAt failed: %v", err)
	}
	return p
}

func testRecords(n int) []types.Record {
	records := make([]types.Record, n)
	for i := range records {
		kind := "click"
		if i%3 == 0 {
			kind = "view"
		}
		records[i] = types.Record{
			RecordID: []byte(fmt.Sprintf("rec-%04d", i)),
			Key:      int64(i * 10),
			Kind:     kind,
			Payload:  map[string]interface{}{"seq": float64(i), "label": fmt.Sprintf("v%d", i)},
		}
	}
	return records
}

func TestArchiveHappyPath(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	records := testRecords(50)
	p := env.sealedPartition(t, records)

	manifest, err := env.pipeline.Archive(ctx, p.ID)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if manifest.RowCount != 50 {
		t.Errorf("expected 50 rows, got %d", manifest.RowCount)
	}
	if manifest.StorageURI != ObjectKey(p.ID) {
		t.Errorf("unexpected object key %s", manifest.StorageURI)
	}

	// Partition is COLD and the manifest is durable.
	got, _ := env.registry.Get(ctx, p.ID)
	if got.State != types.StateCold {
		t.Errorf("expected COLD, got %s", got.State)
	}
	stored, err := env.registry.Manifest(ctx, p.ID)
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if stored.Checksum != manifest.Checksum {
		t.Error("stored manifest checksum mismatch")
	}

	// Bloom filter recognizes the archived kinds.
	filter, err := bloom.Unmarshal(stored.KindBloom)
	if err != nil {
		t.Fatalf("bloom.Unmarshal failed: %v", err)
	}
	if !filter.Contains("click") || !filter.Contains("view") {
		t.Error("bloom filter missing archived kinds")
	}

	// Cold object decodes back to the extracted rows.
	exists, err := env.storage.Exists(ctx, manifest.StorageURI)
	if err != nil || !exists {
		t.Fatalf("cold object missing: %v", err)
	}
	downloadPath := filepath.Join(t.TempDir(), "check.parquet")
	if err := env.storage.Download(ctx, manifest.StorageURI, downloadPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	decoded, err := ReadParquet(downloadPath)
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("expected %d decoded records, got %d", len(records), len(decoded))
	}
	sum, _ := Checksum(decoded)
	if sum != manifest.Checksum {
		t.Error("decoded cold object does not match manifest checksum")
	}
}

func TestArchiveUnsealedPartitionConflicts(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p, _ := env.registry.Open(ctx, 0)
	_, err := env.pipeline.Archive(ctx, p.ID)
	if serrors.GetCode(err) != serrors.CodePartitionConflict {
		t.Errorf("expected PARTITION_CONFLICT, got %v", err)
	}
}

func TestArchiveRetryAfterFailure(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p := env.sealedPartition(t, testRecords(10))

	// Exhaust the upload backoff budget so the whole attempt fails.
	failing := &failingStorage{ObjectStorage: env.storage, failUploads: 3}
	env.pipeline.storage = failing

	if _, err := env.pipeline.Archive(ctx, p.ID); err == nil {
		t.Fatal("expected upload failure")
	}

	// The partition reverted to SEALED, so a retry can proceed.
	got, _ := env.registry.Get(ctx, p.ID)
	if got.State != types.StateSealed {
		t.Fatalf("expected SEALED after failure, got %s", got.State)
	}

	if _, err := env.pipeline.Archive(ctx, p.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, _ = env.registry.Get(ctx, p.ID)
	if got.State != types.StateCold {
		t.Errorf("expected COLD after retry, got %s", got.State)
	}
}

func TestArchiveAbsorbsTransientUploadFailure(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p := env.sealedPartition(t, testRecords(10))

	// A single transient failure stays within the backoff budget.
	env.pipeline.storage = &failingStorage{ObjectStorage: env.storage, failUploads: 1}

	if _, err := env.pipeline.Archive(ctx, p.ID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	got, _ := env.registry.Get(ctx, p.ID)
	if got.State != types.StateCold {
		t.Errorf("expected COLD, got %s", got.State)
	}
}

func TestArchiveVerificationCatchesCorruption(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p := env.sealedPartition(t, testRecords(10))

	// Corrupt the object between upload and verification download.
	env.pipeline.storage = &corruptingStorage{ObjectStorage: env.storage, coldDir: env.coldDir}

	_, err := env.pipeline.Archive(ctx, p.ID)
	if serrors.GetCode(err) != serrors.CodeChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}

	// Verification failure raises a critical alert and never completes
	// the archive.
	select {
	case a := <-env.alerts.Alerts():
		if a.Severity != alert.SeverityCritical {
			t.Errorf("expected critical alert, got %s", a.Severity)
		}
	default:
		t.Error("expected an alert for checksum mismatch")
	}

	// The partition holds in ARCHIVING so nothing re-runs it automatically.
	got, _ := env.registry.Get(ctx, p.ID)
	if got.State != types.StateArchiving {
		t.Errorf("expected ARCHIVING after verification failure, got %s", got.State)
	}
	if _, err := env.registry.Manifest(ctx, p.ID); serrors.GetCode(err) != serrors.CodePartitionNotFound {
		t.Error("no manifest should be recorded for a failed archive")
	}

	// A fresh Archive call conflicts rather than silently retrying.
	env.pipeline.storage = env.storage
	if _, err := env.pipeline.Archive(ctx, p.ID); serrors.GetCode(err) != serrors.CodePartitionConflict {
		t.Errorf("expected PARTITION_CONFLICT, got %v", err)
	}
	got, _ = env.registry.Get(ctx, p.ID)
	if got.State != types.StateArchiving {
		t.Errorf("conflicting Archive must not move the partition, got %s", got.State)
	}
	if _, err := env.registry.Manifest(ctx, p.ID); serrors.GetCode(err) != serrors.CodePartitionNotFound {
		t.Error("conflicting Archive must not record a manifest")
	}
}

func TestResumeCompletesHeldArchival(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p := env.sealedPartition(t, testRecords(10))
	env.pipeline.storage = &corruptingStorage{ObjectStorage: env.storage, coldDir: env.coldDir}

	_, err := env.pipeline.Archive(ctx, p.ID)
	if serrors.GetCode(err) != serrors.CodeChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}

	// The operator re-trigger, with the corruption gone, finishes the job.
	env.pipeline.storage = env.storage
	manifest, err := env.pipeline.Resume(ctx, p.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if manifest.RowCount != 10 {
		t.Errorf("expected 10 rows, got %d", manifest.RowCount)
	}
	got, _ := env.registry.Get(ctx, p.ID)
	if got.State != types.StateCold {
		t.Errorf("expected COLD after resume, got %s", got.State)
	}
}

func TestResumeRequiresArchivingState(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	p := env.sealedPartition(t, testRecords(5))
	if _, err := env.pipeline.Resume(ctx, p.ID); serrors.GetCode(err) != serrors.CodePartitionConflict {
		t.Errorf("expected PARTITION_CONFLICT for sealed partition, got %v", err)
	}
}

func TestChecksumIgnoresPayloadFieldOrder(t *testing.T) {
	a := []types.Record{{
		RecordID: []byte("r1"), Key: 1, Kind: "click",
		Payload: map[string]interface{}{"a": float64(1), "b": "x"},
	}}
	b := []types.Record{{
		RecordID: []byte("r1"), Key: 1, Kind: "click",
		Payload: map[string]interface{}{"b": "x", "a": float64(1)},
	}}

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	sumB, _ := Checksum(b)
	if sumA != sumB {
		t.Error("checksum should not depend on payload field order")
	}

	c := []types.Record{{
		RecordID: []byte("r1"), Key: 1, Kind: "click",
		Payload: map[string]interface{}{"a": float64(2), "b": "x"},
	}}
	sumC, _ := Checksum(c)
	if sumA == sumC {
		t.Error("checksum should change when payload changes")
	}
}

func TestParquetRoundTrip(t *testing.T) {
	records := testRecords(25)
	path := filepath.Join(t.TempDir(), "out.parquet")

	n, err := WriteParquet(path, records)
	if err != nil {
		t.Fatalf("WriteParquet failed: %v", err)
	}
	if n != 25 {
		t.Errorf("expected 25 rows written, got %d", n)
	}

	got, err := ReadParquet(path)
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range got {
		if string(got[i].RecordID) != string(records[i].RecordID) ||
			got[i].Key != records[i].Key || got[i].Kind != records[i].Kind {
			t.Errorf("record %d did not round-trip: %+v", i, got[i])
		}
	}
}

func TestReadParquetRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()

	// Arbitrary bytes with no parquet structure.
	garbage := filepath.Join(dir, "garbage.parquet")
	if err := os.WriteFile(garbage, []byte("not a parquet file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadParquet(garbage); err == nil {
		t.Error("expected an error for a non-parquet file")
	}

	// A real parquet file truncated mid-body.
	valid := filepath.Join(dir, "valid.parquet")
	if _, err := WriteParquet(valid, testRecords(25)); err != nil {
		t.Fatalf("WriteParquet failed: %v", err)
	}
	data, err := os.ReadFile(valid)
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(dir, "truncated.parquet")
	if err := os.WriteFile(truncated, data[:len(data)/2], 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadParquet(truncated); err == nil {
		t.Error("expected an error for a truncated file")
	}
}

// failingStorage fails the first n uploads, then delegates.
type failingStorage struct {
	storage.ObjectStorage
	failUploads int
}

func (s *failingStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if s.failUploads > 0 {
		s.failUploads--
		return fmt.Errorf("injected upload failure")
	}
	return s.ObjectStorage.Upload(ctx, localPath, objectPath)
}

// corruptingStorage flips bytes of the stored object after upload.
type corruptingStorage struct {
	storage.ObjectStorage
	coldDir string
}

func (s *corruptingStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := s.ObjectStorage.Upload(ctx, localPath, objectPath); err != nil {
		return err
	}
	stored := filepath.Join(s.coldDir, filepath.FromSlash(objectPath))
	data, err := os.ReadFile(stored)
	if err != nil {
		return err
	}
	for i := len(data) / 2; i < len(data)/2+8 && i < len(data); i++ {
		data[i] ^= 0xFF
	}
	return os.WriteFile(stored, data, 0644)
}
