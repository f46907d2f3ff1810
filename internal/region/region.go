// Package region implements the structured-concurrency owner for everything a
// loaded extension holds: spawned tasks, streaming channels, and reserved
// effects. A region is the cleanup boundary; closing it cancels and drains all
// owned work within a bounded budget, and anything still alive when the budget
// expires is abandoned and reported as leaked.
package region

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is the region lifecycle state.
type Phase string

const (
	PhaseRunning    Phase = "running"
	PhaseCancelling Phase = "cancelling"
	PhaseDrained    Phase = "drained"
	PhaseClosed     Phase = "closed"
)

// DefaultCleanupBudget bounds shutdown when the caller does not narrow it.
const DefaultCleanupBudget = 5 * time.Second

// ErrNotRunning is returned when task or stream creation is attempted after
// shutdown has begun.
var ErrNotRunning = errors.New("region: not running")

// ErrReservationRevoked is returned by Commit after the region cancelled the
// reservation.
var ErrReservationRevoked = errors.New("region: reservation revoked")

// Resource is anything the region owns besides plain tasks. Streams register
// themselves under this interface; Cancel must be idempotent and Done must
// close once the resource reaches a terminal state.
type Resource interface {
	Cancel()
	Done() <-chan struct{}
}

// TaskHandle tracks one spawned task.
type TaskHandle struct {
	ID     string
	Name   string
	budget Budget

	polls atomic.Int64
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// Done closes when the task function returns.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the task's terminal error, nil before completion.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ConsumePoll burns one unit of the task's poll quota and reports whether the
// quota still holds. Unbounded quotas always report true.
func (h *TaskHandle) ConsumePoll() bool {
	if h.budget.PollQuota == 0 {
		return true
	}
	return h.polls.Add(1) <= int64(h.budget.PollQuota)
}

func (h *TaskHandle) terminal() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Reservation is the two-phase effect handle for externally observable writes.
// Reserve is cancellable; Commit is atomic and runs to completion once begun.
type Reservation struct {
	region *Region
	target string

	mu       sync.Mutex
	revoked  bool
	released bool
}

// Commit runs fn while holding the reservation's lock. It fails with
// ErrReservationRevoked if cancellation arrived first, and releases the
// reservation either way.
func (res *Reservation) Commit(fn func() error) error {
	res.mu.Lock()
	if res.revoked {
		res.mu.Unlock()
		return ErrReservationRevoked
	}
	// Holding res.mu through fn makes revocation wait out an in-flight
	// commit instead of interrupting it.
	defer res.mu.Unlock()
	defer res.region.dropReservation(res)
	return fn()
}

// Release abandons the reservation without committing.
func (res *Reservation) Release() {
	res.mu.Lock()
	res.released = true
	res.mu.Unlock()
	res.region.dropReservation(res)
}

func (res *Reservation) revoke() {
	res.mu.Lock()
	res.revoked = true
	res.mu.Unlock()
}

// LeakRecord describes a handle abandoned at budget expiry.
type LeakRecord struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ShutdownReport summarizes a completed shutdown.
type ShutdownReport struct {
	RegionID string        `json:"region_id"`
	Elapsed  time.Duration `json:"elapsed"`
	Drained  bool          `json:"drained"`
	Leaked   []LeakRecord  `json:"leaked,omitempty"`
}

// Region owns every task, stream, and reservation created on behalf of one
// extension.
type Region struct {
	ID     string
	parent *Region
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	budget        Budget
	cleanupBudget time.Duration

	mu           sync.Mutex
	phase        Phase
	tasks        map[string]*TaskHandle
	resources    map[string]Resource
	reservations map[*Reservation]struct{}
	taskWG       sync.WaitGroup
}

// Option configures a new region.
type Option func(*Region)

// WithBudget sets the region's own budget ceiling.
func WithBudget(b Budget) Option {
	return func(r *Region) { r.budget = b }
}

// WithCleanupBudget narrows the shutdown budget.
func WithCleanupBudget(d time.Duration) Option {
	return func(r *Region) {
		if d > 0 {
			r.cleanupBudget = d
		}
	}
}

// New creates a region. A non-nil parent contributes its budget ceiling and
// its context, so cancelling the parent cancels the child.
func New(parent *Region, logger *slog.Logger, opts ...Option) *Region {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Region{
		ID:            uuid.New().String(),
		parent:        parent,
		phase:         PhaseRunning,
		cleanupBudget: DefaultCleanupBudget,
		tasks:         make(map[string]*TaskHandle),
		resources:     make(map[string]Resource),
		reservations:  make(map[*Reservation]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	base := context.Background()
	if parent != nil {
		base = parent.ctx
		r.budget = Compose(parent.budget, r.budget)
		if parent.cleanupBudget < r.cleanupBudget {
			r.cleanupBudget = parent.cleanupBudget
		}
	}
	r.ctx, r.cancel = context.WithCancel(base)
	r.logger = logger.With("component", "region", "region_id", r.ID)
	return r
}

// Context is cancelled when shutdown begins. Every owned task observes it.
func (r *Region) Context() context.Context { return r.ctx }

// Phase returns the current lifecycle phase.
func (r *Region) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Running reports whether host-calls may still be admitted.
func (r *Region) Running() bool { return r.Phase() == PhaseRunning }

// Budget returns the region's budget ceiling.
func (r *Region) Budget() Budget { return r.budget }

// CleanupBudget returns the configured shutdown bound.
func (r *Region) CleanupBudget() time.Duration { return r.cleanupBudget }

// CreateTask spawns fn on its own goroutine under the region. The task budget
// is composed with the region ceiling; fn must observe ctx at suspension
// points. Fails once the region leaves Running.
func (r *Region) CreateTask(name string, budget Budget, fn func(ctx context.Context) error) (*TaskHandle, error) {
	r.mu.Lock()
	if r.phase != PhaseRunning {
		r.mu.Unlock()
		return nil, ErrNotRunning
	}
	h := &TaskHandle{
		ID:     uuid.New().String(),
		Name:   name,
		budget: Compose(r.budget, budget),
		done:   make(chan struct{}),
	}
	r.tasks[h.ID] = h
	r.taskWG.Add(1)
	r.mu.Unlock()

	ctx := r.ctx
	var cancel context.CancelFunc
	if !h.budget.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, h.budget.Deadline)
	}

	go func() {
		defer r.taskWG.Done()
		defer close(h.done)
		if cancel != nil {
			defer cancel()
		}
		err := fn(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h, nil
}

// AdoptResource registers an externally constructed resource (a stream) so
// shutdown cancels and accounts for it. Fails once the region leaves Running.
func (r *Region) AdoptResource(id string, res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRunning {
		return ErrNotRunning
	}
	r.resources[id] = res
	return nil
}

// ReleaseResource drops a resource that reached terminal state on its own.
func (r *Region) ReleaseResource(id string) {
	r.mu.Lock()
	delete(r.resources, id)
	r.mu.Unlock()
}

// Reserve acquires the right to commit an externally observable effect
// against target. The reservation is revoked if shutdown begins before
// Commit.
func (r *Region) Reserve(target string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRunning {
		return nil, ErrNotRunning
	}
	res := &Reservation{region: r, target: target}
	r.reservations[res] = struct{}{}
	return res, nil
}

func (r *Region) dropReservation(res *Reservation) {
	r.mu.Lock()
	delete(r.reservations, res)
	r.mu.Unlock()
}

// Shutdown runs the four-phase protocol: request, drain, finalize, complete.
// It blocks at most the composed cleanup budget (the smaller of the region's
// configured budget and override, when override > 0) plus scheduling slack,
// and reports any abandoned handles.
func (r *Region) Shutdown(override time.Duration) ShutdownReport {
	start := time.Now()
	budget := r.cleanupBudget
	if override > 0 && override < budget {
		budget = override
	}

	// Phase 1: request. No new tasks, streams, or reservations.
	r.mu.Lock()
	if r.phase == PhaseClosed {
		r.mu.Unlock()
		return ShutdownReport{RegionID: r.ID, Drained: true}
	}
	r.phase = PhaseCancelling
	resources := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		resources = append(resources, res)
	}
	reservations := make([]*Reservation, 0, len(r.reservations))
	for res := range r.reservations {
		reservations = append(reservations, res)
	}
	r.mu.Unlock()

	// Phase 2: drain. Cancel every owned task and stream; revoke pending
	// reservations so reserve-but-not-committed effects release cleanly.
	r.cancel()
	for _, res := range resources {
		res.Cancel()
	}
	for _, res := range reservations {
		res.revoke()
	}

	// Phase 3: finalize. Wait for terminal states up to the budget.
	drained := r.awaitDrain(budget)

	report := ShutdownReport{RegionID: r.ID, Drained: drained}
	r.mu.Lock()
	if drained {
		r.phase = PhaseDrained
	} else {
		for id, h := range r.tasks {
			if !h.terminal() {
				report.Leaked = append(report.Leaked, LeakRecord{Kind: "task", ID: id, Name: h.Name})
			}
		}
		for id, res := range r.resources {
			select {
			case <-res.Done():
			default:
				report.Leaked = append(report.Leaked, LeakRecord{Kind: "stream", ID: id, Name: id})
			}
		}
	}

	// Phase 4: complete. Channels for leaked handles are dropped; the region
	// is terminal either way.
	r.phase = PhaseClosed
	r.tasks = map[string]*TaskHandle{}
	r.resources = map[string]Resource{}
	r.mu.Unlock()

	report.Elapsed = time.Since(start)
	if len(report.Leaked) > 0 {
		r.logger.Warn("cleanup budget expired with live handles",
			"budget", budget.String(),
			"leaked", len(report.Leaked))
		for _, leak := range report.Leaked {
			r.logger.Warn("leaked handle", "kind", leak.Kind, "handle_id", leak.ID, "name", leak.Name)
		}
	}
	return report
}

func (r *Region) awaitDrain(budget time.Duration) bool {
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	tasksDone := make(chan struct{})
	go func() {
		r.taskWG.Wait()
		close(tasksDone)
	}()

	select {
	case <-tasksDone:
	case <-deadline.C:
		return false
	}

	r.mu.Lock()
	resources := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		resources = append(resources, res)
	}
	r.mu.Unlock()

	for _, res := range resources {
		select {
		case <-res.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}

// String implements fmt.Stringer for diagnostics.
func (r *Region) String() string {
	return fmt.Sprintf("region(%s, %s)", r.ID, r.Phase())
}
