package region

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComposeBudgets(t *testing.T) {
	now := time.Now()
	outer := Budget{Deadline: now.Add(time.Second), PollQuota: 10, Priority: 1}
	inner := Budget{Deadline: now.Add(time.Minute), PollQuota: 100, Priority: 5}

	got := Compose(outer, inner)
	if !got.Deadline.Equal(outer.Deadline) {
		t.Errorf("deadline should take outer (earlier): %v", got.Deadline)
	}
	if got.PollQuota != 10 || got.Priority != 1 {
		t.Errorf("quota/priority should take min: %+v", got)
	}

	// Unbounded components defer to the bounded side.
	got = Compose(Unbounded, inner)
	if !got.Deadline.Equal(inner.Deadline) || got.PollQuota != 100 {
		t.Errorf("unbounded outer should not narrow: %+v", got)
	}
}

func TestCreateTaskRunsAndCompletes(t *testing.T) {
	r := New(nil, nil)
	ran := make(chan struct{})
	h, err := r.CreateTask("t", Unbounded, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	<-h.Done()
	if h.Err() != nil {
		t.Errorf("unexpected task error: %v", h.Err())
	}
}

func TestCreateTaskRejectedAfterCancelling(t *testing.T) {
	r := New(nil, nil)
	r.Shutdown(0)
	if _, err := r.CreateTask("late", Unbounded, func(context.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := r.AdoptResource("s", &fakeResource{done: closedChan()}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning for resource, got %v", err)
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	r := New(nil, nil, WithCleanupBudget(2*time.Second))
	observed := make(chan struct{})
	_, err := r.CreateTask("waiter", Unbounded, func(ctx context.Context) error {
		<-ctx.Done()
		close(observed)
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	report := r.Shutdown(0)
	select {
	case <-observed:
	default:
		t.Error("task did not observe cancellation")
	}
	if !report.Drained || len(report.Leaked) != 0 {
		t.Errorf("expected clean drain: %+v", report)
	}
	if r.Phase() != PhaseClosed {
		t.Errorf("expected closed, got %s", r.Phase())
	}
}

func TestShutdownBudgetBoundsStuckTask(t *testing.T) {
	r := New(nil, nil)
	block := make(chan struct{})
	defer close(block)
	if _, err := r.CreateTask("stuck", Unbounded, func(ctx context.Context) error {
		<-block // ignores cancellation
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	report := r.Shutdown(100 * time.Millisecond)
	elapsed := time.Since(start)

	if report.Drained {
		t.Error("expected drain failure")
	}
	if len(report.Leaked) != 1 || report.Leaked[0].Kind != "task" {
		t.Errorf("expected one leaked task record: %+v", report.Leaked)
	}
	if elapsed > time.Second {
		t.Errorf("shutdown exceeded budget by too much: %v", elapsed)
	}
	if r.Phase() != PhaseClosed {
		t.Errorf("region must close even on leak, got %s", r.Phase())
	}
}

type fakeResource struct {
	cancelled bool
	done      chan struct{}
}

func (f *fakeResource) Cancel()               { f.cancelled = true; safeClose(f.done) }
func (f *fakeResource) Done() <-chan struct{} { return f.done }
func safeClose(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestShutdownCancelsResources(t *testing.T) {
	r := New(nil, nil)
	res := &fakeResource{done: make(chan struct{})}
	if err := r.AdoptResource("stream-1", res); err != nil {
		t.Fatal(err)
	}
	report := r.Shutdown(0)
	if !res.cancelled {
		t.Error("resource not cancelled")
	}
	if !report.Drained {
		t.Errorf("expected drained report: %+v", report)
	}
}

func TestChildRegionInheritsCancellation(t *testing.T) {
	parent := New(nil, nil)
	child := New(parent, nil)
	parent.Shutdown(0)
	select {
	case <-child.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("child context not cancelled by parent shutdown")
	}
}

func TestChildCleanupBudgetCappedByParent(t *testing.T) {
	parent := New(nil, nil, WithCleanupBudget(200*time.Millisecond))
	child := New(parent, nil, WithCleanupBudget(10*time.Second))
	if child.CleanupBudget() != 200*time.Millisecond {
		t.Errorf("child budget should be capped by parent: %v", child.CleanupBudget())
	}
}

func TestReserveCommit(t *testing.T) {
	r := New(nil, nil)
	res, err := r.Reserve("session.name")
	if err != nil {
		t.Fatal(err)
	}
	committed := false
	if err := res.Commit(func() error { committed = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Error("commit function not run")
	}
}

func TestReserveRevokedByShutdown(t *testing.T) {
	r := New(nil, nil)
	res, err := r.Reserve("session.name")
	if err != nil {
		t.Fatal(err)
	}
	r.Shutdown(0)
	if err := res.Commit(func() error { return nil }); !errors.Is(err, ErrReservationRevoked) {
		t.Errorf("expected ErrReservationRevoked, got %v", err)
	}
}

func TestReserveRejectedAfterShutdown(t *testing.T) {
	r := New(nil, nil)
	r.Shutdown(0)
	if _, err := r.Reserve("x"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestPollQuota(t *testing.T) {
	r := New(nil, nil, WithBudget(Budget{PollQuota: 2}))
	h, err := r.CreateTask("polling", Budget{PollQuota: 5}, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-h.Done()
	// Composed quota is min(2, 5) = 2.
	if !h.ConsumePoll() || !h.ConsumePoll() {
		t.Error("quota exhausted too early")
	}
	if h.ConsumePoll() {
		t.Error("quota should be exhausted after 2 polls")
	}
	r.Shutdown(0)
}
