// Package observability provides logging, metrics, tracing, and the
// persisted runtime event log.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RuntimeEvent is one structured record in the runtime event log. Records are
// persisted as JSON lines; the file is the runtime's own persistent state
// (extensions never see it).
type RuntimeEvent struct {
	Time        time.Time      `json:"time"`
	Level       string         `json:"level"`
	Event       string         `json:"event"`
	Message     string         `json:"message,omitempty"`
	ExtensionID string         `json:"extension_id,omitempty"`
	RegionID    string         `json:"region_id,omitempty"`
	CallID      uint64         `json:"call_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// EventLog appends RuntimeEvents to a JSONL sink and keeps a bounded
// in-memory tail for diagnostics and tests.
type EventLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	tail   []RuntimeEvent
	cap    int

	clock func() time.Time
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventClock overrides the timestamp source. Pinning it lets two runs
// with the same inputs produce byte-identical logs.
func WithEventClock(clock func() time.Time) EventLogOption {
	return func(e *EventLog) { e.clock = clock }
}

// WithTailCapacity bounds the in-memory tail (default 512).
func WithTailCapacity(n int) EventLogOption {
	return func(e *EventLog) {
		if n > 0 {
			e.cap = n
		}
	}
}

// NewEventLog creates an event log writing to w. A nil writer keeps only the
// in-memory tail.
func NewEventLog(w io.Writer, opts ...EventLogOption) *EventLog {
	e := &EventLog{
		w:     w,
		cap:   512,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenEventLog opens (or creates) a JSONL event log file in append mode.
func OpenEventLog(path string, opts ...EventLogOption) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	e := NewEventLog(f, opts...)
	e.closer = f
	return e, nil
}

// Record appends one event, stamping time and pulling correlation IDs from
// the context when the event does not carry them already.
func (e *EventLog) Record(ctx context.Context, ev RuntimeEvent) {
	if ev.Time.IsZero() {
		ev.Time = e.clock()
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	if ev.ExtensionID == "" {
		ev.ExtensionID = GetExtensionID(ctx)
	}
	if ev.RegionID == "" {
		ev.RegionID = GetRegionID(ctx)
	}
	if ev.CallID == 0 {
		ev.CallID = GetCallID(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tail = append(e.tail, ev)
	if len(e.tail) > e.cap {
		e.tail = e.tail[len(e.tail)-e.cap:]
	}

	if e.w != nil {
		if b, err := json.Marshal(ev); err == nil {
			e.w.Write(append(b, '\n'))
		}
	}
}

// Tail returns a copy of the retained recent events, oldest first.
func (e *EventLog) Tail() []RuntimeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuntimeEvent, len(e.tail))
	copy(out, e.tail)
	return out
}

// Close closes the underlying file when the log owns one.
func (e *EventLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}
