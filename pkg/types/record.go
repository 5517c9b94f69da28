// Package types provides core data types for Strata.
package types

// Record represents a single data row in the tiered store.
type Record struct {
	// RecordID is the unique identifier for the record (16 raw UUID bytes)
	RecordID []byte `json:"record_id"`

	// Key is the partitioning key, typically a Unix timestamp in nanoseconds.
	// Partitions own contiguous half-open key ranges [low, high).
	Key int64 `json:"key"`

	// Kind categorizes the record (e.g., "order", "page_view")
	Kind string `json:"kind"`

	// Payload contains the record-specific data, compressed with Snappy
	// when stored in the hot tier
	Payload map[string]interface{} `json:"payload"`
}
