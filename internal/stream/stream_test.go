package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/enclave/internal/hostcall"
)

func TestSendPullOrderAndDenseSequence(t *testing.T) {
	s := New(context.Background(), 1, 4, -1)
	ctx := context.Background()

	go func() {
		for i := 0; i < 10; i++ {
			if err := s.Send(ctx, i); err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
		}
		s.Close("done")
	}()

	for i := 0; i < 10; i++ {
		c, err := s.Pull(ctx)
		if err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
		if c.Sequence != uint64(i) || c.Value != i || c.Final {
			t.Errorf("chunk %d out of order: %+v", i, c)
		}
	}
	final, err := s.Pull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !final.Final || final.Sequence != 10 || final.Value != "done" {
		t.Errorf("final chunk: %+v", final)
	}
	if _, err := s.Pull(ctx); err != ErrClosed {
		t.Errorf("pull after close should fail: %v", err)
	}
	if !s.Closed() {
		t.Error("stream should be closed")
	}
}

func TestZeroChunkStreamDeliversSentinelOnly(t *testing.T) {
	s := New(context.Background(), 4, -1, 0)
	s.Close(nil)
	c, err := s.Pull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !c.Final || c.Value != nil || c.Sequence != 0 {
		t.Errorf("zero-chunk stream should deliver exactly {nil, final, seq 0}: %+v", c)
	}
}

func TestBackpressureMatchesConsumerRate(t *testing.T) {
	s := New(context.Background(), 1, 1, -1)
	ctx := context.Background()

	var produced int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			if err := s.Send(ctx, i); err != nil {
				return
			}
			mu.Lock()
			produced++
			mu.Unlock()
		}
	}()

	// Pull slowly; with buffer_size 1 the producer cannot run ahead by more
	// than the buffer plus the in-flight send.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		if _, err := s.Pull(ctx); err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		p := produced
		mu.Unlock()
		if p > i+3 {
			t.Fatalf("producer ran ahead of consumer: produced=%d pulled=%d", p, i+1)
		}
	}
	s.Cancel()
	<-done
}

func TestStallClosesWithSentinel(t *testing.T) {
	var (
		mu      sync.Mutex
		emitted []Chunk
		warned  []string
	)
	s := New(context.Background(), 2, 1, 50*time.Millisecond,
		WithEmit(func(c Chunk) {
			mu.Lock()
			emitted = append(emitted, c)
			mu.Unlock()
		}),
		WithWarn(func(reason string) {
			mu.Lock()
			warned = append(warned, reason)
			mu.Unlock()
		}),
	)

	ctx := context.Background()
	start := time.Now()
	// Fill the buffer; nobody pulls.
	if err := s.Send(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	err := s.Send(ctx, "b")
	elapsed := time.Since(start)

	if err != ErrStalled {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("stall took too long: %v", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 || !emitted[0].Final || emitted[0].Value != nil {
		t.Errorf("stall must emit exactly one sentinel: %+v", emitted)
	}
	if len(warned) != 1 || warned[0] != "stall" {
		t.Errorf("stall warning missing: %v", warned)
	}
	if !s.Closed() {
		t.Error("stalled stream should be closed")
	}
}

func TestCancelDrainsAndEmitsSentinel(t *testing.T) {
	var emitted []Chunk
	var mu sync.Mutex
	s := New(context.Background(), 3, 8, -1, WithEmit(func(c Chunk) {
		mu.Lock()
		emitted = append(emitted, c)
		mu.Unlock()
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	// Consumer observed one chunk; two remain buffered.
	if _, err := s.Pull(ctx); err != nil {
		t.Fatal(err)
	}

	s.Cancel()
	s.Cancel() // idempotent

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 || !emitted[0].Final {
		t.Fatalf("cancel must emit exactly one sentinel: %+v", emitted)
	}
	// The sentinel's sequence continues from the last delivered chunk so the
	// script-visible numbering stays dense.
	if emitted[0].Sequence != 1 {
		t.Errorf("sentinel sequence should be 1 (after one delivered chunk): %d", emitted[0].Sequence)
	}
	if err := s.Send(ctx, "late"); err != ErrClosed {
		t.Errorf("send after cancel: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after cancel")
	}
}

func TestProducerContextCancelledOnCancel(t *testing.T) {
	s := New(context.Background(), 4, 1, -1)
	s.Cancel()
	select {
	case <-s.ProducerContext().Done():
	case <-time.After(time.Second):
		t.Error("producer context should cancel")
	}
}

func TestFailTerminatesWithError(t *testing.T) {
	s := New(context.Background(), 5, 4, -1)
	ctx := context.Background()
	if err := s.Send(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(hostcall.NewError(hostcall.CodeIO, "socket reset")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	c, err := s.Pull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Final || c.Err == nil || c.Err.Code != hostcall.CodeIO {
		t.Errorf("error chunk should carry the failure, not a sentinel: %+v", c)
	}
	if !s.Closed() {
		t.Error("failed stream should be closed")
	}
}
