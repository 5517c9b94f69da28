package types

// BatchStatus is the lifecycle status of an ingestion batch.
type BatchStatus string

const (
	BatchPending  BatchStatus = "PENDING"
	BatchApplied  BatchStatus = "APPLIED"
	BatchRejected BatchStatus = "REJECTED"
)

// IngestionBatch is a caller-submitted batch of records. BatchID is a
// caller-supplied idempotency key: resubmitting an APPLIED batch is a no-op,
// and resubmitting after a mid-apply crash replays only the sub-batches that
// were not yet recorded as applied.
type IngestionBatch struct {
	BatchID string   `json:"batch_id"`
	Source  string   `json:"source"`
	Records []Record `json:"records"`
}

// StreamEvent is a single real-time event pushed into the streaming merge
// buffer. SequenceNo is strictly increasing per PartitionKey; an event at or
// below the last applied sequence for its key is discarded as a duplicate or
// out-of-order replay.
type StreamEvent struct {
	EventID      []byte                 `json:"event_id"`
	PartitionKey string                 `json:"partition_key"`
	Key          int64                  `json:"key"`
	Kind         string                 `json:"kind"`
	Payload      map[string]interface{} `json:"payload"`
	SequenceNo   uint64                 `json:"sequence_no"`
}
