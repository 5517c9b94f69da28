// Package hot provides the hot tier: one SQLite file per partition holding
// recently ingested records. Writes to the same partition are serialized;
// writes to different partitions proceed in parallel.
package hot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stratadb/strata/pkg/types"
)

const createRecordsTableSQL = `
	CREATE TABLE IF NOT EXISTS records (
		record_id BLOB PRIMARY KEY,
		record_key INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL
	) WITHOUT ROWID`

var recordIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_records_key ON records(record_key)",
	"CREATE INDEX IF NOT EXISTS idx_records_kind_key ON records(kind, record_key)",
}

// Store manages per-partition SQLite files in the hot directory.
type Store struct {
	dir string

	mu  sync.RWMutex
	dbs map[string]*sql.DB

	lockMu   sync.RWMutex
	keyLocks map[string]*sync.Mutex
}

// NewStore creates a hot store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("hot: failed to create hot directory: %w", err)
	}
	return &Store{
		dir:      dir,
		dbs:      make(map[string]*sql.DB),
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) path(partitionID string) string {
	return filepath.Join(s.dir, partitionID+".sqlite")
}

// db returns the open database for a partition, creating file and schema on
// first use.
func (s *Store) db(ctx context.Context, partitionID string) (*sql.DB, error) {
	s.mu.RLock()
	if db, ok := s.dbs[partitionID]; ok {
		s.mu.RUnlock()
		return db, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partitionID]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite3", s.path(partitionID)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("hot: failed to open partition database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createRecordsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("hot: failed to create records table: %w", err)
	}
	for _, idx := range recordIndexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			db.Close()
			return nil, fmt.Errorf("hot: failed to create index: %w", err)
		}
	}

	s.dbs[partitionID] = db
	return db, nil
}

// partitionLock returns the write lock for a partition, creating one if
// needed.
func (s *Store) partitionLock(partitionID string) *sync.Mutex {
	s.lockMu.RLock()
	if lock, exists := s.keyLocks[partitionID]; exists {
		s.lockMu.RUnlock()
		return lock
	}
	s.lockMu.RUnlock()

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if lock, exists := s.keyLocks[partitionID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.keyLocks[partitionID] = lock
	return lock
}

// Append writes records into a partition's hot file and returns the number
// of payload bytes written. Records that already exist (same record_id) are
// overwritten, so replays do not duplicate rows.
func (s *Store) Append(ctx context.Context, partitionID string, records []types.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	lock := s.partitionLock(partitionID)
	lock.Lock()
	defer lock.Unlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	db, err := s.db(ctx, partitionID)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("hot: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO records (record_id, record_key, kind, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("hot: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var bytesWritten int64
	for _, rec := range records {
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("hot: failed to marshal payload: %w", err)
		}
		compressed := snappy.Encode(nil, payloadJSON)

		if _, err := stmt.ExecContext(ctx, rec.RecordID, rec.Key, rec.Kind, compressed); err != nil {
			return 0, fmt.Errorf("hot: failed to insert record: %w", err)
		}
		bytesWritten += int64(len(compressed)) + int64(len(rec.RecordID)) + int64(len(rec.Kind)) + 8
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("hot: failed to commit append: %w", err)
	}
	return bytesWritten, nil
}

// MaxKey returns the highest record key present in a partition, or false if
// the partition holds no records.
func (s *Store) MaxKey(ctx context.Context, partitionID string) (int64, bool, error) {
	db, err := s.db(ctx, partitionID)
	if err != nil {
		return 0, false, err
	}

	var maxKey sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(record_key) FROM records").Scan(&maxKey); err != nil {
		return 0, false, fmt.Errorf("hot: failed to read max key: %w", err)
	}
	if !maxKey.Valid {
		return 0, false, nil
	}
	return maxKey.Int64, true, nil
}

// Stats measures a partition's row count and stored byte size. The byte
// accounting mirrors what Append accumulates per record, so the two agree
// on identical content.
func (s *Store) Stats(ctx context.Context, partitionID string) (int64, int64, error) {
	db, err := s.db(ctx, partitionID)
	if err != nil {
		return 0, 0, err
	}

	var rows, bytes int64
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(payload) + LENGTH(record_id) + LENGTH(kind) + 8), 0) FROM records").
		Scan(&rows, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("hot: failed to read partition stats: %w", err)
	}
	return rows, bytes, nil
}

// Query returns records in [keyRange.Low, keyRange.High) ordered by key. An
// empty kinds slice matches all kinds.
func (s *Store) Query(ctx context.Context, partitionID string, keyRange types.KeyRange, kinds []string) ([]types.Record, error) {
	db, err := s.db(ctx, partitionID)
	if err != nil {
		return nil, err
	}

	query := "SELECT record_id, record_key, kind, payload FROM records WHERE record_key >= ? AND record_key < ?"
	args := []interface{}{keyRange.Low, keyRange.High}
	if len(kinds) > 0 {
		query += " AND kind IN (?" + repeatPlaceholder(len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += " ORDER BY record_key ASC, record_id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hot: failed to query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Extract reads every record of a partition ordered by (key, record_id).
// Extraction runs against sealed partitions, which no longer accept writes,
// so the snapshot is stable.
func (s *Store) Extract(ctx context.Context, partitionID string) ([]types.Record, error) {
	db, err := s.db(ctx, partitionID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT record_id, record_key, kind, payload FROM records ORDER BY record_key ASC, record_id ASC")
	if err != nil {
		return nil, fmt.Errorf("hot: failed to extract records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Remove closes and deletes a partition's hot file. Removing a partition
// that has no hot file is a no-op.
func (s *Store) Remove(ctx context.Context, partitionID string) error {
	lock := s.partitionLock(partitionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if db, ok := s.dbs[partitionID]; ok {
		db.Close()
		delete(s.dbs, partitionID)
	}
	s.mu.Unlock()

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path(partitionID) + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("hot: failed to remove partition file: %w", err)
		}
	}
	return nil
}

// Close closes all open partition databases.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hot: failed to close partition %s: %w", id, err)
		}
		delete(s.dbs, id)
	}
	return firstErr
}

func scanRecords(rows *sql.Rows) ([]types.Record, error) {
	var records []types.Record
	for rows.Next() {
		var rec types.Record
		var compressed []byte
		if err := rows.Scan(&rec.RecordID, &rec.Key, &rec.Kind, &compressed); err != nil {
			return nil, fmt.Errorf("hot: failed to scan record: %w", err)
		}

		payloadJSON, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("hot: failed to decompress payload: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("hot: failed to unmarshal payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hot: error iterating records: %w", err)
	}
	return records, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
