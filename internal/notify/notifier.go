// Package notify provides an in-process pub/sub bus for write visibility.
// Ingestion publishes events as records land; the rollup cache subscribes
// to learn which dimensions went stale.
package notify

import (
	"sync"
	"time"
)

// EventType classifies a notification.
type EventType int

const (
	RecordsWritten EventType = iota
	PartitionSealed
	PartitionArchived
)

// Event describes a write-side change.
type Event struct {
	Type        EventType
	PartitionID string
	Kinds       []string
	RowCount    int64
	Timestamp   int64
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and must treat its state as stale.
type Hub struct {
	subscribers sync.Map // id → *Subscriber
	bufferSize  int
}

// Subscriber receives events on Ch until Unsubscribe.
type Subscriber struct {
	ID string
	Ch chan Event
}

// NewHub creates a hub whose subscribers buffer up to bufferSize events.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &Hub{bufferSize: bufferSize}
}

// Publish delivers an event to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	h.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		select {
		case sub.Ch <- ev:
		default:
		}
		return true
	})
}

// Subscribe registers a subscriber under id, replacing any previous one
// with the same id.
func (h *Hub) Subscribe(id string) *Subscriber {
	sub := &Subscriber{ID: id, Ch: make(chan Event, h.bufferSize)}
	h.subscribers.Store(id, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	if v, loaded := h.subscribers.LoadAndDelete(id); loaded {
		close(v.(*Subscriber).Ch)
	}
}
