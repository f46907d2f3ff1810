// Package stream implements the per-call bounded channel between a host-side
// producer and the scheduler enqueue point. Every stream terminates with
// exactly one finalization: a final chunk, an error chunk, or a synthesized
// sentinel on cancel or stall.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/enclave/internal/hostcall"
)

// DefaultBufferSize is the channel capacity when the call does not set one.
const DefaultBufferSize = 16

// DefaultStallTimeout applies when the call does not set stall_ms. Zero
// disables stall detection.
const DefaultStallTimeout = 30 * time.Second

var (
	// ErrClosed is returned to producers and consumers once the stream has
	// finalized.
	ErrClosed = errors.New("stream: closed")

	// ErrStalled is returned to a producer whose consumer stopped pulling for
	// longer than the stall timeout.
	ErrStalled = errors.New("stream: stalled")
)

type state int

const (
	stateOpen state = iota
	stateDraining
	stateClosed
)

// Chunk is one unit of streamed output. Sequence numbers are dense per call
// starting at zero; exactly one chunk has Final set (or Err, never both).
type Chunk struct {
	Sequence uint64
	Value    any
	Final    bool
	Err      *hostcall.Error
}

// Stream is one streaming host-call's channel. A single producer sends; the
// scheduler enqueue point pulls. Cancel may arrive from any goroutine.
type Stream struct {
	callID uint64
	ch     chan Chunk
	stall  time.Duration

	prodCtx    context.Context
	prodCancel context.CancelFunc

	mu        sync.Mutex
	st        state
	nextSeq   uint64 // producer side
	delivered uint64 // consumer side: count of chunks pulled
	done      chan struct{}
	drainCh   chan struct{}

	// emit, when set, receives the synthesized sentinel on cancel/stall so
	// the enqueue point can deliver it without a consumer pull in flight.
	emit func(Chunk)

	// warn receives a one-line reason when the stream closes abnormally.
	warn func(reason string)
}

// Option configures a stream.
type Option func(*Stream)

// WithEmit installs the scheduler enqueue callback for synthesized sentinels.
func WithEmit(fn func(Chunk)) Option {
	return func(s *Stream) { s.emit = fn }
}

// WithWarn installs the abnormal-close logging hook.
func WithWarn(fn func(reason string)) Option {
	return func(s *Stream) { s.warn = fn }
}

// New creates a stream for callID. bufferSize 0 means DefaultBufferSize.
// stall 0 means DefaultStallTimeout; negative disables stall detection
// (callers map the wire value stall_ms=0 to a negative duration).
func New(parent context.Context, callID uint64, bufferSize int, stall time.Duration, opts ...Option) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if stall == 0 {
		stall = DefaultStallTimeout
	} else if stall < 0 {
		stall = 0
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		callID:     callID,
		ch:         make(chan Chunk, bufferSize),
		stall:      stall,
		prodCtx:    ctx,
		prodCancel: cancel,
		done:       make(chan struct{}),
		drainCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CallID returns the owning host-call's ID.
func (s *Stream) CallID() uint64 { return s.callID }

// ProducerContext is cancelled when the stream is cancelled or stalls. The
// producer task must run under it.
func (s *Stream) ProducerContext() context.Context { return s.prodCtx }

// Done closes when the stream reaches terminal state. Satisfies
// region.Resource.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Send delivers one data chunk, blocking on backpressure. While blocked, the
// stall timer runs; each consumer pull that frees space resets it (the send
// completes and the next Send arms a fresh timer). On stall expiry the stream
// finalizes with a sentinel and Send returns ErrStalled.
func (s *Stream) Send(ctx context.Context, value any) error {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	c := Chunk{Sequence: s.nextSeq, Value: value}
	s.mu.Unlock()

	var stallC <-chan time.Time
	if s.stall > 0 {
		t := time.NewTimer(s.stall)
		defer t.Stop()
		stallC = t.C
	}

	select {
	case s.ch <- c:
	default:
		// Buffer full: this is where the stall clock is genuinely running.
		select {
		case s.ch <- c:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.prodCtx.Done():
			return ErrClosed
		case <-stallC:
			s.finalizeSentinel("stall")
			return ErrStalled
		}
	}

	s.mu.Lock()
	s.nextSeq++
	s.mu.Unlock()
	return nil
}

// Close terminates the stream with a final chunk carrying value (exec exit
// status, trailing metadata, or nil for a bare sentinel). The final chunk
// queues behind any buffered data chunks.
func (s *Stream) Close(value any) error {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	c := Chunk{Sequence: s.nextSeq, Value: value, Final: true}
	s.nextSeq++
	s.mu.Unlock()

	select {
	case s.ch <- c:
		return nil
	case <-s.prodCtx.Done():
		return ErrClosed
	}
}

// Fail terminates the stream with an error instead of a sentinel.
func (s *Stream) Fail(herr *hostcall.Error) error {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	c := Chunk{Sequence: s.nextSeq, Err: herr}
	s.nextSeq++
	s.mu.Unlock()

	select {
	case s.ch <- c:
		return nil
	case <-s.prodCtx.Done():
		return ErrClosed
	}
}

// Pull takes the next chunk for the enqueue point. It blocks until a chunk is
// available, the ctx is done, or the stream is cancelled. After the terminal
// chunk is returned, subsequent pulls fail with ErrClosed.
func (s *Stream) Pull(ctx context.Context) (Chunk, error) {
	s.mu.Lock()
	switch s.st {
	case stateClosed:
		s.mu.Unlock()
		return Chunk{}, ErrClosed
	case stateDraining:
		// Cancel won the race but the sentinel has not been taken yet; only
		// reachable when no emit callback is installed.
		c := s.sentinelLocked()
		s.closeLocked()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	select {
	case c := <-s.ch:
		s.mu.Lock()
		if s.st != stateOpen {
			// Cancelled while this chunk was in flight; the sentinel path
			// already finalized, so the stale chunk is dropped.
			s.mu.Unlock()
			return Chunk{}, ErrClosed
		}
		s.delivered = c.Sequence + 1
		if c.Final || c.Err != nil {
			s.closeLocked()
		}
		s.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-s.drainCh:
		return Chunk{}, ErrClosed
	}
}

// Cancel stops the producer, discards buffered chunks, and finalizes with a
// sentinel delivered through the emit callback. Idempotent. Satisfies
// region.Resource.
func (s *Stream) Cancel() {
	s.finalizeSentinel("cancel")
}

func (s *Stream) finalizeSentinel(reason string) {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return
	}
	s.st = stateDraining
	s.prodCancel()

	// Drop everything buffered; the sentinel is the only chunk the script
	// side observes from here on.
	for {
		select {
		case <-s.ch:
			continue
		default:
		}
		break
	}

	emit := s.emit
	var sentinel Chunk
	if emit != nil {
		sentinel = s.sentinelLocked()
		s.closeLocked()
	}
	close(s.drainCh)
	s.mu.Unlock()

	if s.warn != nil && reason == "stall" {
		s.warn(reason)
	}
	if emit != nil {
		emit(sentinel)
	}
}

// sentinelLocked builds the terminal {nil, final} chunk. Its sequence
// continues from the last chunk the consumer actually observed, keeping the
// script-visible numbering dense even though buffered chunks were dropped.
func (s *Stream) sentinelLocked() Chunk {
	return Chunk{Sequence: s.delivered, Value: nil, Final: true}
}

func (s *Stream) closeLocked() {
	if s.st == stateClosed {
		return
	}
	s.st = stateClosed
	s.prodCancel()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Closed reports whether the stream reached terminal state.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateClosed
}
