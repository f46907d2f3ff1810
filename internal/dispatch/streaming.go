package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/stream"
)

// streamKey identifies one in-flight stream. Call IDs are unique per region,
// so the pair is globally unique.
type streamKey struct {
	regionID string
	callID   uint64
}

type liveStream struct {
	st   *stream.Stream
	kind string
}

type streamTable struct {
	mu sync.Mutex
	m  map[streamKey]liveStream
}

func (t *streamTable) init() { t.m = make(map[streamKey]liveStream) }

func (t *streamTable) put(k streamKey, s liveStream) {
	t.mu.Lock()
	t.m[k] = s
	t.mu.Unlock()
}

func (t *streamTable) drop(k streamKey) {
	t.mu.Lock()
	delete(t.m, k)
	t.mu.Unlock()
}

func (t *streamTable) get(k streamKey) (liveStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[k]
	return s, ok
}

// CancelStream cancels an in-flight stream from the script side. Buffered
// chunks are discarded, the producer stops, and the script observes a final
// {null, is_final} sentinel.
func (d *Dispatcher) CancelStream(reg *region.Region, callID uint64) bool {
	live, ok := d.streams.get(streamKey{regionID: reg.ID, callID: callID})
	if !ok {
		return false
	}
	live.st.Cancel()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.StreamCancels.WithLabelValues(live.kind).Inc()
	}
	return true
}

// runStreaming creates the bounded channel for a streaming call, starts its
// producer, and pumps chunks to the completer in sequence order. It returns
// when the stream reaches terminal state.
func (d *Dispatcher) runStreaming(ctx context.Context, reg *region.Region, extensionID string, req hostcall.Request, completer Completer) {
	switch req.Kind {
	case hostcall.KindExec, hostcall.KindHTTP:
	default:
		completer.Chunk(req.CallID, hostcall.Errorf(hostcall.CodeInvalidRequest,
			"host-call kind %q does not support streaming", req.Kind))
		return
	}

	buffer := int(req.BufferSize)
	if buffer <= 0 {
		buffer = d.cfg.StreamBufferSize
	}
	// Wire value stall_ms=0 disables detection; the stream package maps a
	// negative duration to "disabled" and zero to its default.
	stall := d.cfg.StreamStallTimeout
	if req.StallMS > 0 {
		stall = time.Duration(req.StallMS) * time.Millisecond
	} else if req.StallMS == 0 && hasKey(req.Payload, "stall_ms") {
		stall = -1
	}

	key := streamKey{regionID: reg.ID, callID: req.CallID}
	kind := string(req.Kind)

	st := stream.New(ctx, req.CallID, buffer, stall,
		stream.WithEmit(func(c stream.Chunk) {
			completer.Chunk(req.CallID, hostcall.StreamChunk(c.Sequence, c.Value, c.Final))
		}),
		stream.WithWarn(func(reason string) {
			d.logger.Warn(ctx, "stream stalled; closing with sentinel",
				"kind", kind, "reason", reason)
			if d.cfg.EventLog != nil {
				d.cfg.EventLog.Record(ctx, observability.RuntimeEvent{
					Level:   "warn",
					Event:   "stream_stall",
					Message: kind,
					Fields:  map[string]any{"call_id": req.CallID},
				})
			}
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.StreamStalls.WithLabelValues(kind).Inc()
			}
		}),
	)
	d.streams.put(key, liveStream{st: st, kind: kind})
	defer d.streams.drop(key)

	resourceID := uuid.New().String()
	if err := reg.AdoptResource(resourceID, st); err != nil {
		completer.Chunk(req.CallID, hostcall.Errorf(hostcall.CodeDenied, "region_draining"))
		return
	}
	defer reg.ReleaseResource(resourceID)

	// Single producer per stream keeps the sequence dense.
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		var err error
		switch req.Kind {
		case hostcall.KindExec:
			err = d.streamExec(st.ProducerContext(), st, req)
		case hostcall.KindHTTP:
			err = d.streamHTTP(st.ProducerContext(), st, req)
		}
		if err != nil && !st.Closed() {
			outcome := d.mapError(ctx, err)
			st.Fail(hostcall.NewError(outcome.Code, "%s", outcome.Message))
		}
	}()

	// Pump: the consumer side of the bounded channel. Each pull resets the
	// stall clock by freeing buffer space.
	for {
		c, err := st.Pull(ctx)
		if err != nil {
			// Cancel or stall finalized through the emit path, or the
			// dispatcher context expired; the sentinel (or error) has been
			// or will be delivered exactly once.
			if err == context.DeadlineExceeded || err == context.Canceled {
				st.Cancel()
			}
			break
		}
		if c.Err != nil {
			completer.Chunk(req.CallID, hostcall.Outcome{Code: c.Err.Code, Message: c.Err.Message})
			break
		}
		completer.Chunk(req.CallID, hostcall.StreamChunk(c.Sequence, c.Value, c.Final))
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.StreamChunks.WithLabelValues(kind).Inc()
		}
		if c.Final {
			break
		}
	}
	<-producerDone
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
