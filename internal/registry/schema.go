package registry

// Schema DDL for the registry database. All statements are idempotent so
// opening an existing registry re-applies them safely.

const partitionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS partitions (
	partition_id TEXT PRIMARY KEY,
	key_low      INTEGER NOT NULL,
	key_high     INTEGER NOT NULL,
	state        TEXT NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	byte_size    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	sealed_at    INTEGER,
	archived_at  INTEGER
)`

const partitionsStateIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_partitions_state ON partitions(state, created_at)`

const partitionsRangeIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_partitions_range ON partitions(key_low, key_high)`

const manifestsSchemaSQL = `
CREATE TABLE IF NOT EXISTS manifests (
	partition_id TEXT PRIMARY KEY,
	storage_uri  TEXT NOT NULL,
	format       TEXT NOT NULL,
	checksum     TEXT NOT NULL,
	row_count    INTEGER NOT NULL,
	kind_bloom   BLOB,
	created_at   INTEGER NOT NULL
)`

const batchesSchemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id     TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL
)`

const subBatchesSchemaSQL = `
CREATE TABLE IF NOT EXISTS batch_subbatches (
	batch_id   TEXT NOT NULL,
	sub_offset     INTEGER NOT NULL,
	applied_at INTEGER NOT NULL,
	PRIMARY KEY (batch_id, sub_offset)
) WITHOUT ROWID`

const streamCursorsSchemaSQL = `
CREATE TABLE IF NOT EXISTS stream_cursors (
	partition_key TEXT PRIMARY KEY,
	sequence_no   INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
)`

// AllSchemaSQL returns all schema statements in creation order.
func AllSchemaSQL() []string {
	return []string{
		partitionsSchemaSQL,
		partitionsStateIndexSQL,
		partitionsRangeIndexSQL,
		manifestsSchemaSQL,
		batchesSchemaSQL,
		subBatchesSchemaSQL,
		streamCursorsSchemaSQL,
	}
}
