package conformance

import (
	"context"
	"fmt"

	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/engine"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/modules"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/sessions"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/internal/transpile"
)

// RunResult captures the observable outputs of one lab run: the
// registrations the extension made and the delivery trace.
type RunResult struct {
	Registrations engine.Summary `json:"registrations"`
	Trace         string         `json:"trace"`
	ActivationErr string         `json:"activation_err,omitempty"`
}

// Difference is one divergence between two runs.
type Difference struct {
	Field string `json:"field"`
	A     string `json:"a"`
	B     string `json:"b"`
}

// Runner executes extensions in isolated lab environments.
type Runner struct {
	// Profile governs the sandbox during conformance runs. Permissive by
	// default so behavior differences, not policy, dominate the diff.
	Profile policy.Profile

	Logger *observability.Logger
}

// NewRunner creates a runner with the permissive profile.
func NewRunner(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Runner{Profile: policy.Permissive, Logger: logger}
}

// Execute activates the extension at root once under the lab scheduler with
// the given seed and returns its observable outputs.
func (r *Runner) Execute(root, entry string, seed int64) (*RunResult, error) {
	lab := scheduler.NewLab(seed, 8192)
	reg := region.New(nil, nil)
	defer reg.Shutdown(0)

	store := sessions.NewMemoryStore()
	handle, err := store.GetOrCreate(context.Background(), "conformance")
	if err != nil {
		return nil, err
	}
	registry, err := tools.NewRegistry(root, r.Logger)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(r.Logger)

	disp := dispatch.New(dispatch.Config{
		Policy:   policy.NewEvaluator(r.Profile, r.Logger),
		Tools:    registry,
		Sessions: handle,
		Bus:      bus,
		Logger:   r.Logger,
		Inline:   true,
	})
	cache, err := transpile.NewCache(0)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		ExtensionID: "conformance",
		Root:        root,
		Entry:       entry,
		Region:      reg,
		Scheduler:   lab.Scheduler,
		Dispatcher:  disp,
		Modules:     modules.NewRegistry(root),
		Transpile:   cache,
		Bus:         bus,
		Logger:      r.Logger,
		Tools:       registry,
	})
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	var actErr error
	lab.Enqueue(scheduler.KindEngineEval, "activate", func() {
		actErr = eng.Activate()
	})
	lab.RunUntilQuiescent()

	result := &RunResult{
		Registrations: eng.Registrations().Summarize(),
		Trace:         lab.TraceString(),
	}
	if actErr != nil {
		result.ActivationErr = actErr.Error()
	}
	return result, nil
}

// Compare runs the extension twice with the same seed and reports
// divergences. A conforming extension produces zero differences.
func (r *Runner) Compare(root, entry string, seed int64) ([]Difference, error) {
	first, err := r.Execute(root, entry, seed)
	if err != nil {
		return nil, fmt.Errorf("first run: %w", err)
	}
	second, err := r.Execute(root, entry, seed)
	if err != nil {
		return nil, fmt.Errorf("second run: %w", err)
	}
	return Diff(first, second), nil
}

// Diff compares two run results field by field.
func Diff(a, b *RunResult) []Difference {
	var out []Difference
	if a.ActivationErr != b.ActivationErr {
		out = append(out, Difference{Field: "activation_err", A: a.ActivationErr, B: b.ActivationErr})
	}
	pairs := []struct {
		field string
		a, b  []string
	}{
		{"tools", a.Registrations.Tools, b.Registrations.Tools},
		{"commands", a.Registrations.Commands, b.Registrations.Commands},
		{"shortcuts", a.Registrations.Shortcuts, b.Registrations.Shortcuts},
		{"providers", a.Registrations.Providers, b.Registrations.Providers},
		{"flags", a.Registrations.Flags, b.Registrations.Flags},
		{"events", a.Registrations.Events, b.Registrations.Events},
	}
	for _, p := range pairs {
		if !equalStrings(p.a, p.b) {
			out = append(out, Difference{Field: p.field, A: fmt.Sprint(p.a), B: fmt.Sprint(p.b)})
		}
	}
	if a.Trace != b.Trace {
		out = append(out, Difference{Field: "trace", A: a.Trace, B: b.Trace})
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
