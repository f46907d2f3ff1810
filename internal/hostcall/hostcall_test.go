package hostcall

import (
	"errors"
	"sync"
	"testing"
)

func TestKindKnown(t *testing.T) {
	for _, k := range []Kind{KindTool, KindExec, KindHTTP, KindSession, KindUI, KindEvents, KindLog} {
		if !k.Known() {
			t.Errorf("expected %q to be known", k)
		}
	}
	if Kind("socket").Known() {
		t.Error("expected unknown kind to report false")
	}
}

func TestOutcomeShapes(t *testing.T) {
	s := Success(map[string]any{"x": 1})
	if !s.OK || s.IsError() {
		t.Error("success outcome misclassified")
	}

	e := Errorf(CodeDenied, "exec")
	if !e.IsError() || e.Code != CodeDenied || e.Message != "exec" {
		t.Errorf("unexpected error outcome: %+v", e)
	}

	c := StreamChunk(3, "data", false)
	if c.IsError() || !c.Stream || c.Sequence != 3 || c.IsFinal {
		t.Errorf("unexpected chunk outcome: %+v", c)
	}

	fin := Sentinel(4)
	if !fin.IsFinal || fin.Chunk != nil {
		t.Errorf("sentinel must be final with nil chunk: %+v", fin)
	}
}

func TestOutcomeFromError(t *testing.T) {
	o := OutcomeFromError(NewError(CodeTimeout, "after %dms", 50))
	if o.Code != CodeTimeout || o.Message != "after 50ms" {
		t.Errorf("typed error not preserved: %+v", o)
	}

	o = OutcomeFromError(errors.New("disk on fire"))
	if o.Code != CodeInternal {
		t.Errorf("untyped error should collapse to INTERNAL, got %q", o.Code)
	}
}

func TestIDSourceMonotonicUnderConcurrency(t *testing.T) {
	var src IDSource
	const n = 64
	ids := make(chan uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- src.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if id == 0 {
			t.Error("call ID 0 is reserved")
		}
		if seen[id] {
			t.Errorf("duplicate call ID %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d unique IDs, got %d", n, len(seen))
	}
}
