package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratadb/strata/internal/alert"
	"github.com/stratadb/strata/internal/archive"
	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/pkg/types"
)

type queryEnv struct {
	registry *registry.SQLiteRegistry
	hot      *hot.Store
	storage  *storage.LocalStorage
	pipeline *archive.Pipeline
	router   *Router
}

func newQueryEnv(t *testing.T) *queryEnv {
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

	ls, err := storage.NewLocalStorage(filepath.Join(dir, "cold"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	workDir := filepath.Join(dir, "work")
	os.MkdirAll(workDir, 0755)
	pipeline := archive.NewPipeline(reg, hs, ls, alert.NewLogNotifier(), workDir)

	cache, err := NewDownloadCache(filepath.Join(dir, "downloads"), 64*1024*1024, ls)
	if err != nil {
		t.Fatalf("NewDownloadCache failed: %v", err)
	}

	return &queryEnv{
		registry: reg,
		hot:      hs,
		storage:  ls,
		pipeline: pipeline,
		router:   NewRouter(reg, hs, cache, 4, 5*time.Second),
	}
}

func (env *queryEnv) records(prefix string, kind string, keys ...int64) []types.Record {
	out := make([]types.Record, len(keys))
	for i, k := range keys {
		out[i] = types.Record{
			RecordID: []byte(fmt.Sprintf("%s-%d", prefix, k)),
			Key:      k,
			Kind:     kind,
			Payload:  map[string]interface{}{"k": float64(k)},
		}
	}
	return out
}

// coldPartition opens, fills, seals, and archives a partition.
func (env *queryEnv) coldPartition(t *testing.T, low, high int64, records []types.Record) *types.Partition {
	t.Helper()
	ctx := context.Background()

	p, err := env.registry.Open(ctx, low)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := env.hot.Append(ctx, p.ID, records); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := env.registry.SealAt(ctx, p.ID, high); err != nil {
		t.Fatalf("SealAt failed: %v", err)
	}
	if _, err := env.pipeline.Archive(ctx, p.ID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	return p
}

func TestQuerySpansHotAndCold(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	// Cold partition [0, 100), hot open partition [100, ∞).
	cold := env.coldPartition(t, 0, 100, env.records("c", "click", 10, 50, 90))
	open, err := env.registry.Open(ctx, 100)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	env.hot.Append(ctx, open.ID, env.records("h", "click", 110, 150))

	result, err := env.router.Query(ctx, Params{Range: types.KeyRange{Low: 0, High: 200}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Partial {
		t.Errorf("unexpected partial result: %+v", result.Failures)
	}
	if len(result.Records) != 5 {
		t.Fatalf("expected 5 records across tiers, got %d", len(result.Records))
	}

	// Merged in global key order.
	for i := 1; i < len(result.Records); i++ {
		if result.Records[i-1].Key >= result.Records[i].Key {
			t.Error("merged results not sorted by key")
		}
	}
	if result.PartitionsQueried != 2 {
		t.Errorf("expected 2 partitions queried, got %d", result.PartitionsQueried)
	}
	_ = cold
}

func TestQueryRangeBoundsRespected(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	env.coldPartition(t, 0, 100, env.records("c", "click", 10, 50, 99))

	// High bound exclusive: key 99 in, key 50 in, [10, 99) excludes 99.
	result, err := env.router.Query(ctx, Params{Range: types.KeyRange{Low: 10, High: 99}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Records) != 2 {
		t.Errorf("expected 2 records in [10, 99), got %d", len(result.Records))
	}

	// Empty range is invalid.
	_, err = env.router.Query(ctx, Params{Range: types.KeyRange{Low: 50, High: 50}})
	if serrors.GetCategory(err) != serrors.ErrCategoryValidation {
		t.Errorf("expected validation error for empty range, got %v", err)
	}
}

func TestQueryRetiredPartitionServedFromCold(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	p := env.coldPartition(t, 0, 100, env.records("c", "click", 10, 20))

	before, err := env.router.Query(ctx, Params{Range: types.KeyRange{Low: 0, High: 100}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	// Retire and reclaim the hot file.
	if err := env.registry.Retire(ctx, p.ID); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if err := env.hot.Remove(ctx, p.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	after, err := env.router.Query(ctx, Params{Range: types.KeyRange{Low: 0, High: 100}})
	if err != nil {
		t.Fatalf("Query after retire failed: %v", err)
	}
	if len(after.Records) != len(before.Records) {
		t.Fatalf("expected identical rows after retirement: %d vs %d", len(after.Records), len(before.Records))
	}
	for i := range after.Records {
		if string(after.Records[i].RecordID) != string(before.Records[i].RecordID) {
			t.Error("retired partition rows differ from pre-retirement rows")
		}
	}
}

func TestQueryBloomPrunesColdPartitions(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	env.coldPartition(t, 0, 100, env.records("a", "click", 10, 20))
	p2, _ := env.registry.Open(ctx, 100)
	env.hot.Append(ctx, p2.ID, env.records("b", "view", 110))
	env.registry.SealAt(ctx, p2.ID, 200)
	if _, err := env.pipeline.Archive(ctx, p2.ID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	// Kind "view" lives only in the second partition; the first should be
	// pruned without a read.
	result, err := env.router.Query(ctx, Params{
		Range: types.KeyRange{Low: 0, High: 200},
		Kinds: []string{"view"},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.PartitionsPruned != 1 {
		t.Errorf("expected 1 pruned partition, got %d", result.PartitionsPruned)
	}
	if len(result.Records) != 1 || result.Records[0].Kind != "view" {
		t.Errorf("unexpected records: %+v", result.Records)
	}
}

func TestQueryPartialOnSubQueryFailure(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	p := env.coldPartition(t, 0, 100, env.records("c", "click", 10, 20))
	open, _ := env.registry.Open(ctx, 100)
	env.hot.Append(ctx, open.ID, env.records("h", "click", 150))

	// Break the cold partition's object so its sub-query fails.
	manifest, err := env.registry.Manifest(ctx, p.ID)
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if err := env.storage.Delete(ctx, manifest.StorageURI); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	result, err := env.router.Query(ctx, Params{Range: types.KeyRange{Low: 0, High: 200}})
	if err != nil {
		t.Fatalf("Query should not fail outright: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected partial result")
	}
	if len(result.Failures) != 1 || result.Failures[0].PartitionID != p.ID {
		t.Errorf("unexpected failures: %+v", result.Failures)
	}
	// The healthy partition still answered.
	if len(result.Records) != 1 || result.Records[0].Key != 150 {
		t.Errorf("expected the hot record, got %+v", result.Records)
	}
}

func TestDownloadCacheHitsAndEviction(t *testing.T) {
	dir := t.TempDir()
	ls, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	ctx := context.Background()

	// Seed two 1KB objects.
	for _, name := range []string{"a", "b"} {
		src := filepath.Join(dir, name+".bin")
		os.WriteFile(src, make([]byte, 1024), 0644)
		if err := ls.Upload(ctx, src, "cold/"+name); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	// Capacity for roughly one object.
	cache, err := NewDownloadCache(filepath.Join(dir, "cache"), 1500, ls)
	if err != nil {
		t.Fatalf("NewDownloadCache failed: %v", err)
	}

	path1, err := cache.Fetch(ctx, "cold/a")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := os.Stat(path1); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}

	// Second fetch of the same object is a hit.
	if _, err := cache.Fetch(ctx, "cold/a"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	hits, misses, _, _ := cache.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}

	// Fetching a second object overflows capacity and evicts the LRU.
	if _, err := cache.Fetch(ctx, "cold/b"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	_, _, evictions, sizeBytes := cache.Stats()
	if evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", evictions)
	}
	if sizeBytes > 1500 {
		t.Errorf("cache over capacity: %d bytes", sizeBytes)
	}
}

func TestDownloadCacheMissingObject(t *testing.T) {
	dir := t.TempDir()
	ls, _ := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	cache, _ := NewDownloadCache(filepath.Join(dir, "cache"), 1024, ls)

	_, err := cache.Fetch(context.Background(), "cold/nope")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
}
