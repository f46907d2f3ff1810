package scheduler

import (
	"fmt"
	"strings"
)

// TraceEntry records one delivered macrotask in a lab run.
type TraceEntry struct {
	Tick int    `json:"tick"`
	Seq  uint64 `json:"seq"`
	Kind Kind   `json:"kind"`
}

// Lab is the deterministic scheduler variant used by tests and the
// conformance oracle. Delivery order is the same FIFO as production; the seed
// is recorded in the trace header so corpus entries are self-describing, and
// the trace is capped at traceCapacity entries.
//
// Lab runs are single-goroutine: host-call handlers driven under a Lab must
// execute synchronously (the dispatcher's inline mode), which makes two runs
// of the same script byte-identical.
type Lab struct {
	*Scheduler

	seed  int64
	trace []TraceEntry
	ticks int
}

// NewLab creates a lab scheduler with the given seed and trace capacity.
func NewLab(seed int64, traceCapacity int) *Lab {
	if traceCapacity <= 0 {
		traceCapacity = 1024
	}
	l := &Lab{
		Scheduler: New(),
		seed:      seed,
		trace:     make([]TraceEntry, 0, traceCapacity),
	}
	l.Scheduler.SetObserver(func(task Macrotask) {
		if len(l.trace) < cap(l.trace) {
			l.trace = append(l.trace, TraceEntry{Tick: l.ticks, Seq: task.Seq, Kind: task.Kind})
		}
		l.ticks++
	})
	return l
}

// Seed returns the seed the lab was constructed with.
func (l *Lab) Seed() int64 { return l.seed }

// RunUntilQuiescent ticks until the queue is empty, returning the number of
// macrotasks delivered. It does not consult the pending host-work counter.
func (l *Lab) RunUntilQuiescent() int {
	// Handlers run inline under a lab, so every enqueue caused by a delivered
	// task has happened by the time Tick returns. An empty queue is quiescent.
	delivered := 0
	for l.Tick() {
		delivered++
	}
	return delivered
}

// Trace returns the recorded delivery trace.
func (l *Lab) Trace() []TraceEntry {
	out := make([]TraceEntry, len(l.trace))
	copy(out, l.trace)
	return out
}

// TraceString renders the trace in a stable line format. Two identical runs
// produce byte-identical strings.
func (l *Lab) TraceString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lab seed=%d\n", l.seed)
	for _, e := range l.trace {
		fmt.Fprintf(&b, "%d seq=%d kind=%s\n", e.Tick, e.Seq, e.Kind)
	}
	return b.String()
}
