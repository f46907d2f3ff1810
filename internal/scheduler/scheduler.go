// Package scheduler implements the macrotask queue that drives every script
// engine. There is one FIFO, one strictly monotonic sequence, and no
// priorities: the global seq order is the only cross-extension ordering the
// runtime guarantees.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// Kind labels a macrotask for tracing and diagnostics. Dispatch behavior is
// carried by the task's closure, not its kind.
type Kind string

const (
	KindEnqueueHostCall  Kind = "enqueue_hostcall"
	KindHostcallComplete Kind = "hostcall_complete"
	KindStreamChunk      Kind = "stream_chunk"
	KindEventDispatch    Kind = "event_dispatch"
	KindEngineEval       Kind = "engine_eval"
	KindRegionShutdown   Kind = "region_shutdown"
)

// Macrotask is one queued unit of work. Seq is assigned at enqueue and is the
// sole global ordering.
type Macrotask struct {
	Seq     uint64
	Kind    Kind
	Payload any

	run func()
}

// Observer receives every macrotask as it is delivered. Used by the lab
// scheduler trace and by the conformance oracle.
type Observer func(Macrotask)

// Scheduler is the production FIFO queue. Enqueue is safe from any goroutine;
// Tick must only ever run on one goroutine at a time and is guarded against
// reentrancy.
//
// Delivering a macrotask runs its closure to completion. Engine-bound closures
// drain the engine's internal job queue to a fixpoint before returning, so by
// the time Tick returns every side effect of the delivered task is visible.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Macrotask
	closed  bool
	nextSeq atomic.Uint64
	pending atomic.Int64
	ticking atomic.Bool

	observer Observer
}

// New creates an empty scheduler.
func New() *Scheduler {
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetObserver installs a delivery observer. Must be called before the
// scheduler starts ticking.
func (s *Scheduler) SetObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Enqueue appends a macrotask and returns its sequence number. A nil run
// function makes the task a no-op marker, still traced and ordered.
func (s *Scheduler) Enqueue(kind Kind, payload any, run func()) uint64 {
	seq := s.nextSeq.Add(1)
	task := Macrotask{Seq: seq, Kind: kind, Payload: payload, run: run}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return seq
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	s.cond.Signal()
	return seq
}

// Tick delivers the head macrotask. It returns false when the queue was empty.
// Tick panics if invoked reentrantly from within a delivered task.
func (s *Scheduler) Tick() bool {
	if !s.ticking.CompareAndSwap(false, true) {
		panic("scheduler: reentrant Tick")
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(task)
	}
	if task.run != nil {
		task.run()
	}
	return true
}

// Run ticks until ctx is done, blocking while the queue is empty.
func (s *Scheduler) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.Tick()
	}
}

// Len returns the current queue depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BeginPending records an outstanding host-side operation whose completion
// will enqueue a macrotask. Quiescence accounts for these so a drained queue
// with in-flight handlers is not mistaken for "done".
func (s *Scheduler) BeginPending() { s.pending.Add(1) }

// EndPending balances BeginPending.
func (s *Scheduler) EndPending() { s.pending.Add(-1) }

// Quiescent reports whether the queue is empty and no host-side work is
// outstanding.
func (s *Scheduler) Quiescent() bool {
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	return empty && s.pending.Load() == 0
}
