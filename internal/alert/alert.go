// Package alert delivers operator alerts for conditions that need human
// attention, such as archive verification failures.
package alert

import (
	"context"
	"log"
	"sync"
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert describes a single operator alert.
type Alert struct {
	Severity  Severity
	Component string
	Message   string
	Time      time.Time
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Notify(_ context.Context, a Alert) {
	log.Printf("alert: [%s] %s: %s", a.Severity, a.Component, a.Message)
}

// ChannelNotifier buffers alerts on a channel for consumption by an
// operator-facing endpoint. Alerts are dropped when the buffer is full
// rather than blocking the caller.
type ChannelNotifier struct {
	ch chan Alert

	mu      sync.Mutex
	dropped int64
}

func NewChannelNotifier(capacity int) *ChannelNotifier {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChannelNotifier{ch: make(chan Alert, capacity)}
}

func (n *ChannelNotifier) Notify(_ context.Context, a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	select {
	case n.ch <- a:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		log.Printf("alert: [WARN] alert buffer full, dropped alert from %s", a.Component)
	}
}

// Alerts exposes the buffered alert channel.
func (n *ChannelNotifier) Alerts() <-chan Alert { return n.ch }

// Dropped returns the number of alerts dropped due to a full buffer.
func (n *ChannelNotifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// MultiNotifier fans an alert out to several notifiers.
type MultiNotifier struct {
	targets []Notifier
}

func NewMultiNotifier(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (n *MultiNotifier) Notify(ctx context.Context, a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	for _, t := range n.targets {
		t.Notify(ctx, a)
	}
}
