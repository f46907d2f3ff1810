package scheduler

import (
	"sync"
	"testing"
)

func TestEnqueueAssignsMonotonicSeq(t *testing.T) {
	s := New()
	a := s.Enqueue(KindEngineEval, nil, nil)
	b := s.Enqueue(KindEngineEval, nil, nil)
	c := s.Enqueue(KindEngineEval, nil, nil)
	if !(a < b && b < c) {
		t.Errorf("seq not monotonic: %d %d %d", a, b, c)
	}
}

func TestTickDeliversFIFO(t *testing.T) {
	s := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		s.Enqueue(KindEventDispatch, i, func() { got = append(got, i) })
	}
	for s.Tick() {
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order broken: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(got))
	}
}

func TestTickEmptyQueue(t *testing.T) {
	s := New()
	if s.Tick() {
		t.Error("Tick on empty queue should return false")
	}
}

func TestTickReentrancyPanics(t *testing.T) {
	s := New()
	panicked := false
	s.Enqueue(KindEngineEval, nil, func() {
		defer func() {
			if recover() != nil {
				panicked = true
			}
		}()
		s.Tick()
	})
	s.Tick()
	if !panicked {
		t.Error("reentrant Tick should panic")
	}
}

func TestEnqueueDuringDeliveryOrdersAfter(t *testing.T) {
	s := New()
	var got []string
	s.Enqueue(KindEngineEval, nil, func() {
		got = append(got, "first")
		s.Enqueue(KindEngineEval, nil, func() { got = append(got, "nested") })
	})
	s.Enqueue(KindEngineEval, nil, func() { got = append(got, "second") })
	for s.Tick() {
	}
	want := []string{"first", "second", "nested"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestConcurrentEnqueueUniqueSeqs(t *testing.T) {
	s := New()
	const n = 100
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqs <- s.Enqueue(KindStreamChunk, nil, nil)
		}()
	}
	wg.Wait()
	close(seqs)
	seen := make(map[uint64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
}

func TestQuiescence(t *testing.T) {
	s := New()
	if !s.Quiescent() {
		t.Error("empty scheduler should be quiescent")
	}
	s.BeginPending()
	if s.Quiescent() {
		t.Error("pending host work should block quiescence")
	}
	s.EndPending()
	s.Enqueue(KindEngineEval, nil, nil)
	if s.Quiescent() {
		t.Error("non-empty queue should block quiescence")
	}
	s.Tick()
	if !s.Quiescent() {
		t.Error("drained scheduler should be quiescent")
	}
}

func TestLabTraceDeterministic(t *testing.T) {
	run := func() string {
		l := NewLab(42, 64)
		for i := 0; i < 3; i++ {
			l.Enqueue(KindEngineEval, nil, func() {
				l.Enqueue(KindHostcallComplete, nil, nil)
			})
		}
		l.RunUntilQuiescent()
		return l.TraceString()
	}
	first := run()
	second := run()
	if first != second {
		t.Errorf("lab runs differ:\n%s\n---\n%s", first, second)
	}
	if first == "" {
		t.Error("empty trace")
	}
}

func TestLabRunUntilQuiescentCountsDeliveries(t *testing.T) {
	l := NewLab(1, 16)
	l.Enqueue(KindEngineEval, nil, func() {
		l.Enqueue(KindEngineEval, nil, nil)
	})
	if n := l.RunUntilQuiescent(); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
}
