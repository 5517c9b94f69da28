package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// Overflow policies for a full streaming queue.
const (
	OverflowReject = "reject"
	OverflowBlock  = "block"
)

// StreamConfig configures the streaming merge buffer.
type StreamConfig struct {
	QueueCapacity  int
	OverflowPolicy string
	DrainBatchSize int
	FlushInterval  time.Duration
}

// StreamBuffer absorbs out-of-order streaming events, deduplicates them by
// per-key sequence number, and drains them into the hot tier in batches.
type StreamBuffer struct {
	cfg      StreamConfig
	registry registry.Registry
	writer   *PartitionWriter

	queue chan types.StreamEvent

	// lastSeq caches the highest applied sequence per partition key. The
	// durable cursor in the registry is loaded on first sight of a key.
	lastSeq *xsync.MapOf[string, uint64]

	stats struct {
		mu       sync.Mutex
		accepted int64
		dropped  int64
		dupes    int64
	}

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
	stopped bool
}

// NewStreamBuffer creates a streaming buffer. Call Start to begin draining.
func NewStreamBuffer(cfg StreamConfig, reg registry.Registry, writer *PartitionWriter) *StreamBuffer {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowReject
	}
	return &StreamBuffer{
		cfg:      cfg,
		registry: reg,
		writer:   writer,
		queue:    make(chan types.StreamEvent, cfg.QueueCapacity),
		lastSeq:  xsync.NewMapOf[string, uint64](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Submit enqueues a streaming event. Duplicates (sequence number at or
// below the applied cursor for the key) are acknowledged without effect.
// When the queue is full the overflow policy decides between rejecting
// with a backpressure error and blocking until space frees up.
func (b *StreamBuffer) Submit(ctx context.Context, ev types.StreamEvent) error {
	if ev.PartitionKey == "" {
		return serrors.NewValidationError(serrors.CodeInvalidRecord, "partition key is required")
	}
	if ev.SequenceNo == 0 {
		return serrors.NewValidationError(serrors.CodeInvalidRecord, "sequence number must be positive")
	}

	dup, err := b.isDuplicate(ctx, ev.PartitionKey, ev.SequenceNo)
	if err != nil {
		return err
	}
	if dup {
		b.stats.mu.Lock()
		b.stats.dupes++
		b.stats.mu.Unlock()
		observability.StreamDuplicates.Inc()
		return nil
	}

	if b.cfg.OverflowPolicy == OverflowBlock {
		select {
		case b.queue <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case b.queue <- ev:
		default:
			b.stats.mu.Lock()
			b.stats.dropped++
			b.stats.mu.Unlock()
			observability.StreamDropped.Inc()
			return serrors.NewBackpressureError(
				fmt.Sprintf("streaming queue at capacity %d", b.cfg.QueueCapacity))
		}
	}

	b.stats.mu.Lock()
	b.stats.accepted++
	b.stats.mu.Unlock()
	observability.StreamAccepted.Inc()
	return nil
}

// isDuplicate checks the in-memory cursor, falling back to the durable one
// for keys not seen since startup.
func (b *StreamBuffer) isDuplicate(ctx context.Context, key string, seq uint64) (bool, error) {
	if last, ok := b.lastSeq.Load(key); ok {
		return seq <= last, nil
	}

	durable, err := b.registry.StreamCursor(ctx, key)
	if err != nil {
		return false, err
	}
	b.lastSeq.LoadOrStore(key, durable)
	last, _ := b.lastSeq.Load(key)
	return seq <= last, nil
}

// Start launches the drain loop.
func (b *StreamBuffer) Start() {
	go b.drainLoop()
}

// Stop flushes buffered events and stops the drain loop.
func (b *StreamBuffer) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	b.stopMu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}

// QueueDepth returns the number of events waiting to drain.
func (b *StreamBuffer) QueueDepth() int { return len(b.queue) }

// Stats returns accepted, dropped, and duplicate counts.
func (b *StreamBuffer) Stats() (accepted, dropped, dupes int64) {
	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()
	return b.stats.accepted, b.stats.dropped, b.stats.dupes
}

func (b *StreamBuffer) drainLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]types.StreamEvent, 0, b.cfg.DrainBatchSize)
	for {
		select {
		case ev := <-b.queue:
			pending = append(pending, ev)
			if len(pending) >= b.cfg.DrainBatchSize {
				pending = b.flush(pending)
			}
		case <-ticker.C:
			pending = b.flush(pending)
		case <-b.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					pending = append(pending, ev)
				default:
					b.flush(pending)
					return
				}
			}
		}
	}
}

// flush applies pending events to the hot tier and advances cursors. Events
// that raced past Submit's duplicate check are filtered once more against
// the cursor here, so each (key, sequence) pair applies at most once.
func (b *StreamBuffer) flush(pending []types.StreamEvent) []types.StreamEvent {
	if len(pending) == 0 {
		return pending
	}

	ctx := context.Background()
	records := make([]types.Record, 0, len(pending))
	maxSeq := make(map[string]uint64)

	for i := range pending {
		ev := &pending[i]
		last, _ := b.lastSeq.Load(ev.PartitionKey)
		if applied := maxSeq[ev.PartitionKey]; applied > last {
			last = applied
		}
		if ev.SequenceNo <= last {
			continue
		}
		records = append(records, types.Record{
			RecordID: []byte(ev.EventID),
			Key:      ev.Key,
			Kind:     ev.Kind,
			Payload:  ev.Payload,
		})
		if ev.SequenceNo > maxSeq[ev.PartitionKey] {
			maxSeq[ev.PartitionKey] = ev.SequenceNo
		}
	}

	if len(records) > 0 {
		if err := b.writer.Append(ctx, records); err != nil {
			log.Printf("ingest: [WARN] stream drain failed, %d events requeued: %v", len(pending), err)
			return pending
		}
	}

	for key, seq := range maxSeq {
		if err := b.registry.SaveStreamCursor(ctx, key, seq); err != nil {
			log.Printf("ingest: [WARN] failed to persist stream cursor for %s: %v", key, err)
			continue
		}
		advance := seq
		b.lastSeq.Compute(key, func(old uint64, _ bool) (uint64, bool) {
			if advance > old {
				return advance, false
			}
			return old, false
		})
	}

	return pending[:0]
}
