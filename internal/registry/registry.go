// Package registry provides the authoritative partition metadata store.
// It exclusively owns partition state transitions: every transition is a
// compare-and-swap against the expected prior state, which is what prevents
// two archival pipelines from racing on the same partition.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/pkg/types"
)

// Registry manages partition metadata and lifecycle state.
type Registry interface {
	// Open creates a new OPEN partition covering [low, MaxKey). It fails
	// with a conflict if another partition is still OPEN, and validates
	// that low continues the key domain contiguously.
	Open(ctx context.Context, low int64) (*types.Partition, error)

	// SealAt transitions OPEN → SEALED and truncates the partition's range
	// to [low, high). Sealing an already-sealed partition returns an
	// ALREADY_SEALED error.
	SealAt(ctx context.Context, partitionID string, high int64) error

	// BeginArchive transitions SEALED → ARCHIVING. A partition not in
	// SEALED state returns a conflict; this is what prevents double-archival.
	BeginArchive(ctx context.Context, partitionID string) error

	// AbortArchive transitions ARCHIVING → SEALED so a failed archival can
	// be retried on a later tick.
	AbortArchive(ctx context.Context, partitionID string) error

	// CompleteArchive transitions ARCHIVING → COLD and records the archive
	// manifest in the same transaction.
	CompleteArchive(ctx context.Context, partitionID string, manifest *types.ArchiveManifest) error

	// Retire transitions COLD → RETIRED. The manifest is retained.
	Retire(ctx context.Context, partitionID string) error

	// Lookup returns partitions overlapping the key range, ordered by
	// key_low ascending. RETIRED partitions are included: their data is
	// still queryable through the manifest's cold object.
	Lookup(ctx context.Context, keyRange types.KeyRange) ([]*types.Partition, error)

	// Get retrieves a single partition by ID.
	Get(ctx context.Context, partitionID string) (*types.Partition, error)

	// OpenPartition returns the current OPEN partition, or nil if none.
	OpenPartition(ctx context.Context) (*types.Partition, error)

	// InState returns partitions in the given state, oldest first.
	InState(ctx context.Context, state types.PartitionState) ([]*types.Partition, error)

	// CountInState returns the number of partitions in the given state.
	CountInState(ctx context.Context, state types.PartitionState) (int64, error)

	// ColdOlderThan returns COLD partitions whose archive completed at or
	// before the cutoff, oldest first. Used for retirement.
	ColdOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Partition, error)

	// SetAccounting records the OPEN partition's absolute row and byte
	// counters as measured from the hot store. Fails with a conflict if
	// the partition is no longer OPEN.
	SetAccounting(ctx context.Context, partitionID string, rows, bytes int64) error

	// Manifest retrieves the archive manifest for a partition.
	Manifest(ctx context.Context, partitionID string) (*types.ArchiveManifest, error)

	BatchBookkeeper
	StreamCursorStore

	// Close closes the registry database connections.
	Close() error
}

// SQLiteRegistry implements Registry using SQLite.
type SQLiteRegistry struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool (lock-free metadata snapshots)
	dbPath string
}

// NewRegistry creates a new SQLite-backed registry.
func NewRegistry(dbPath string) (*SQLiteRegistry, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	r := &SQLiteRegistry{db: db, readDB: readDB, dbPath: dbPath}

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			readDB.Close()
			db.Close()
			return nil, fmt.Errorf("registry: failed to initialize schema: %w", err)
		}
	}

	return r, nil
}

// Open creates a new OPEN partition covering [low, MaxKey).
func (r *SQLiteRegistry) Open(ctx context.Context, low int64) (*types.Partition, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Exactly one partition may be OPEN at a time.
	var openCount int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM partitions WHERE state = ?", types.StateOpen,
	).Scan(&openCount); err != nil {
		return nil, fmt.Errorf("registry: failed to count open partitions: %w", err)
	}
	if openCount > 0 {
		return nil, serrors.NewConflictError("another partition is already OPEN")
	}

	// New ranges must continue the domain contiguously from the highest
	// sealed bound.
	var prevHigh sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(key_high) FROM partitions WHERE key_high < ?", types.MaxKey,
	).Scan(&prevHigh); err != nil {
		return nil, fmt.Errorf("registry: failed to read previous bound: %w", err)
	}
	if prevHigh.Valid && prevHigh.Int64 != low {
		return nil, serrors.NewConflictError(
			fmt.Sprintf("open at %d would break contiguity (previous bound %d)", low, prevHigh.Int64))
	}

	p := &types.Partition{
		ID:        fmt.Sprintf("p-%016x-%s", uint64(low), uuid.New().String()[:8]),
		Range:     types.KeyRange{Low: low, High: types.MaxKey},
		State:     types.StateOpen,
		CreatedAt: time.Now(),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO partitions (partition_id, key_low, key_high, state, row_count, byte_size, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)`,
		p.ID, p.Range.Low, p.Range.High, p.State, p.CreatedAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("registry: failed to insert partition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: failed to commit open: %w", err)
	}
	return p, nil
}

// SealAt transitions OPEN → SEALED and truncates the range to [low, high).
func (r *SQLiteRegistry) SealAt(ctx context.Context, partitionID string, high int64) error {
	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx,
		`UPDATE partitions SET state = ?, key_high = ?, sealed_at = ?
		 WHERE partition_id = ? AND state = ? AND key_low < ?`,
		types.StateSealed, high, now, partitionID, types.StateOpen, high,
	)
	if err != nil {
		return fmt.Errorf("registry: failed to seal partition: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return r.classifySealFailure(ctx, partitionID, high)
	}
	return nil
}

// classifySealFailure distinguishes already-sealed from genuine conflicts
// after a failed seal CAS.
func (r *SQLiteRegistry) classifySealFailure(ctx context.Context, partitionID string, high int64) error {
	p, err := r.Get(ctx, partitionID)
	if err != nil {
		return err
	}
	if p.State != types.StateOpen {
		return serrors.New(serrors.ErrCategoryRegistry, serrors.CodeAlreadySealed,
			fmt.Sprintf("partition %s is %s, not OPEN", partitionID, p.State))
	}
	return serrors.NewConflictError(
		fmt.Sprintf("cannot seal partition %s at %d (low bound %d)", partitionID, high, p.Range.Low))
}

// BeginArchive transitions SEALED → ARCHIVING.
func (r *SQLiteRegistry) BeginArchive(ctx context.Context, partitionID string) error {
	return r.casTransition(ctx, partitionID, types.StateSealed, types.StateArchiving)
}

// AbortArchive transitions ARCHIVING → SEALED.
func (r *SQLiteRegistry) AbortArchive(ctx context.Context, partitionID string) error {
	return r.casTransition(ctx, partitionID, types.StateArchiving, types.StateSealed)
}

// CompleteArchive transitions ARCHIVING → COLD and records the manifest
// atomically. The manifest row is immutable once written.
func (r *SQLiteRegistry) CompleteArchive(ctx context.Context, partitionID string, manifest *types.ArchiveManifest) error {
	if manifest == nil || manifest.PartitionID != partitionID {
		return fmt.Errorf("registry: manifest does not belong to partition %s", partitionID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE partitions SET state = ?, archived_at = ? WHERE partition_id = ? AND state = ?`,
		types.StateCold, now.Unix(), partitionID, types.StateArchiving,
	)
	if err != nil {
		return fmt.Errorf("registry: failed to mark partition cold: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return serrors.NewConflictError(
			fmt.Sprintf("partition %s is not ARCHIVING", partitionID))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO manifests (partition_id, storage_uri, format, checksum, row_count, kind_bloom, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		manifest.PartitionID, manifest.StorageURI, manifest.Format, manifest.Checksum,
		manifest.RowCount, manifest.KindBloom, now.Unix(),
	); err != nil {
		return fmt.Errorf("registry: failed to record manifest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: failed to commit archive completion: %w", err)
	}
	return nil
}

// Retire transitions COLD → RETIRED.
func (r *SQLiteRegistry) Retire(ctx context.Context, partitionID string) error {
	return r.casTransition(ctx, partitionID, types.StateCold, types.StateRetired)
}

// casTransition performs a single compare-and-swap state transition.
func (r *SQLiteRegistry) casTransition(ctx context.Context, partitionID string, from, to types.PartitionState) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE partitions SET state = ? WHERE partition_id = ? AND state = ?",
		to, partitionID, from,
	)
	if err != nil {
		return fmt.Errorf("registry: failed to transition partition: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Distinguish missing partitions from state conflicts.
		if _, err := r.Get(ctx, partitionID); err != nil {
			return err
		}
		return serrors.NewConflictError(
			fmt.Sprintf("partition %s is not in state %s", partitionID, from))
	}
	return nil
}

// Lookup returns partitions overlapping [keyRange.Low, keyRange.High),
// ordered by key_low ascending.
func (r *SQLiteRegistry) Lookup(ctx context.Context, keyRange types.KeyRange) ([]*types.Partition, error) {
	rows, err := r.readDB.QueryContext(ctx,
		selectPartitionSQL+` WHERE key_low < ? AND key_high > ? ORDER BY key_low ASC`,
		keyRange.High, keyRange.Low,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query partitions: %w", err)
	}
	defer rows.Close()

	return scanPartitions(rows)
}

// Get retrieves a single partition by ID.
func (r *SQLiteRegistry) Get(ctx context.Context, partitionID string) (*types.Partition, error) {
	row := r.readDB.QueryRowContext(ctx, selectPartitionSQL+` WHERE partition_id = ?`, partitionID)

	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return nil, serrors.New(serrors.ErrCategoryRegistry, serrors.CodePartitionNotFound,
			fmt.Sprintf("partition %s not found", partitionID))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan partition: %w", err)
	}
	return p, nil
}

// OpenPartition returns the current OPEN partition, or nil if none exists.
func (r *SQLiteRegistry) OpenPartition(ctx context.Context) (*types.Partition, error) {
	row := r.readDB.QueryRowContext(ctx, selectPartitionSQL+` WHERE state = ?`, types.StateOpen)

	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan open partition: %w", err)
	}
	return p, nil
}

// InState returns partitions in the given state, oldest first.
func (r *SQLiteRegistry) InState(ctx context.Context, state types.PartitionState) ([]*types.Partition, error) {
	rows, err := r.readDB.QueryContext(ctx,
		selectPartitionSQL+` WHERE state = ? ORDER BY created_at ASC, key_low ASC`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query partitions by state: %w", err)
	}
	defer rows.Close()

	return scanPartitions(rows)
}

// CountInState returns the number of partitions in the given state.
func (r *SQLiteRegistry) CountInState(ctx context.Context, state types.PartitionState) (int64, error) {
	var count int64
	err := r.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM partitions WHERE state = ?", state,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("registry: failed to count partitions: %w", err)
	}
	return count, nil
}

// ColdOlderThan returns COLD partitions archived at or before the cutoff.
func (r *SQLiteRegistry) ColdOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Partition, error) {
	rows, err := r.readDB.QueryContext(ctx,
		selectPartitionSQL+` WHERE state = ? AND archived_at <= ? ORDER BY archived_at ASC`,
		types.StateCold, cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query cold partitions: %w", err)
	}
	defer rows.Close()

	return scanPartitions(rows)
}

// SetAccounting records an OPEN partition's row and byte counters as
// measured from the hot store. Counters are absolute rather than deltas:
// a replayed append overwrites existing rows in the hot tier, and a delta
// would count them twice.
func (r *SQLiteRegistry) SetAccounting(ctx context.Context, partitionID string, rows, bytes int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE partitions SET row_count = ?, byte_size = ?
		 WHERE partition_id = ? AND state = ?`,
		rows, bytes, partitionID, types.StateOpen,
	)
	if err != nil {
		return fmt.Errorf("registry: failed to update accounting: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return serrors.NewConflictError(
			fmt.Sprintf("partition %s is not OPEN; accounting update rejected", partitionID))
	}
	return nil
}

// Manifest retrieves the archive manifest for a partition.
func (r *SQLiteRegistry) Manifest(ctx context.Context, partitionID string) (*types.ArchiveManifest, error) {
	var m types.ArchiveManifest
	var createdAt int64

	err := r.readDB.QueryRowContext(ctx,
		`SELECT partition_id, storage_uri, format, checksum, row_count, kind_bloom, created_at
		 FROM manifests WHERE partition_id = ?`, partitionID,
	).Scan(&m.PartitionID, &m.StorageURI, &m.Format, &m.Checksum, &m.RowCount, &m.KindBloom, &createdAt)
	if err == sql.ErrNoRows {
		return nil, serrors.New(serrors.ErrCategoryRegistry, serrors.CodePartitionNotFound,
			fmt.Sprintf("no manifest for partition %s", partitionID))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan manifest: %w", err)
	}

	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

// Close closes the registry database connections.
func (r *SQLiteRegistry) Close() error {
	if err := r.readDB.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}

const selectPartitionSQL = `
	SELECT partition_id, key_low, key_high, state, row_count, byte_size, created_at, sealed_at
	FROM partitions`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPartition(row rowScanner) (*types.Partition, error) {
	var p types.Partition
	var state string
	var createdAt int64
	var sealedAt sql.NullInt64

	err := row.Scan(&p.ID, &p.Range.Low, &p.Range.High, &state, &p.RowCount, &p.ByteSize, &createdAt, &sealedAt)
	if err != nil {
		return nil, err
	}

	p.State = types.PartitionState(state)
	p.CreatedAt = time.Unix(createdAt, 0)
	if sealedAt.Valid {
		t := time.Unix(sealedAt.Int64, 0)
		p.SealedAt = &t
	}
	return &p, nil
}

func scanPartitions(rows *sql.Rows) ([]*types.Partition, error) {
	var partitions []*types.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: error iterating partitions: %w", err)
	}
	return partitions, nil
}
