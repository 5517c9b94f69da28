package types

import (
	"math"
	"time"
)

// PartitionState is the lifecycle state of a partition.
type PartitionState string

const (
	// StateOpen accepts writes; exactly one partition is OPEN at a time.
	StateOpen PartitionState = "OPEN"

	// StateSealed accepts no further writes and is eligible for archival.
	StateSealed PartitionState = "SEALED"

	// StateArchiving is mid-archival; reads are still served from the hot copy.
	StateArchiving PartitionState = "ARCHIVING"

	// StateCold has a verified manifest; reads are served from cold storage.
	StateCold PartitionState = "COLD"

	// StateRetired has had its hot storage reclaimed. The manifest remains.
	StateRetired PartitionState = "RETIRED"
)

// MaxKey is the sentinel upper bound for the OPEN partition's range.
const MaxKey int64 = math.MaxInt64

// KeyRange is a half-open key interval [Low, High).
type KeyRange struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

// Overlaps reports whether two ranges share any key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Low < other.High && other.Low < r.High
}

// Contains reports whether the key falls inside the range.
func (r KeyRange) Contains(key int64) bool {
	return key >= r.Low && key < r.High
}

// Empty reports whether the range covers no keys.
func (r KeyRange) Empty() bool {
	return r.High <= r.Low
}

// Partition is a contiguous, disjoint key-range shard with its own lifecycle.
type Partition struct {
	ID        string         `json:"id"`
	Range     KeyRange       `json:"range"`
	State     PartitionState `json:"state"`
	RowCount  int64          `json:"row_count"`
	ByteSize  int64          `json:"byte_size"`
	CreatedAt time.Time      `json:"created_at"`
	SealedAt  *time.Time     `json:"sealed_at,omitempty"`
}

// ArchiveManifest is the immutable record that a partition's data was
// durably and verifiably written to cold storage. It is created only after
// the verify step succeeds and is retained after the partition is retired.
type ArchiveManifest struct {
	PartitionID string    `json:"partition_id"`
	StorageURI  string    `json:"storage_uri"`
	Format      string    `json:"format"`
	Checksum    string    `json:"checksum"`
	RowCount    int64     `json:"row_count"`
	KindBloom   []byte    `json:"kind_bloom,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FormatParquet is the columnar format written by the archival pipeline.
const FormatParquet = "parquet"
