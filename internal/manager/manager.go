// Package manager owns the extension lifecycle: discovery over the known
// roots, preflight, policy resolution, ordered activation, and teardown. A
// failure in one extension never affects another; isolation is total.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/engine"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/modules"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/preflight"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/risk"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/internal/transpile"
	"github.com/haasonsaas/enclave/pkg/models"
)

// Config wires the manager's collaborators.
type Config struct {
	// Roots are scanned in order: installed packages, project-local,
	// user-local.
	Roots []string

	DefaultProfile policy.Profile

	// Profiles pins extensions to a profile by ID.
	Profiles map[string]string

	// Overrides maps extension ID to capability decision overrides.
	Overrides map[string]map[string]string

	CleanupBudget time.Duration

	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Policy     *policy.Evaluator
	Bus        *events.Bus
	Tools      *tools.Registry
	Transpile  *transpile.Cache
	Analyzer   *preflight.Analyzer
	Ledger     *risk.Ledger
	Logger     *observability.Logger
	EventLog   *observability.EventLog
	Metrics    *observability.Metrics

	// IndexPath persists the discovery catalog; empty disables it.
	IndexPath string

	// Drive, when set, is called after enqueueing activation work so
	// single-threaded harnesses (the lab scheduler) can pump the queue.
	Drive func()
}

// loaded pairs an extension with its live runtime state.
type loaded struct {
	ext    *models.Extension
	region *region.Region
	engine *engine.Engine
}

// Manager coordinates every extension.
type Manager struct {
	cfg    Config
	logger *observability.Logger

	mu   sync.Mutex
	exts map[string]*loaded
}

// New creates a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Scheduler == nil || cfg.Dispatcher == nil || cfg.Policy == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("manager: scheduler, dispatcher, policy, and bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = preflight.New()
	}
	if cfg.Transpile == nil {
		cache, err := transpile.NewCache(0)
		if err != nil {
			return nil, err
		}
		cfg.Transpile = cache
	}
	if cfg.CleanupBudget <= 0 {
		cfg.CleanupBudget = region.DefaultCleanupBudget
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.WithFields("component", "manager"),
		exts:   make(map[string]*loaded),
	}, nil
}

// Discover scans the roots and builds an Extension per source. Previously
// known extensions keep their state; new sources enter as Discovered.
func (m *Manager) Discover(ctx context.Context) ([]*models.Extension, error) {
	var found []*models.Extension
	seen := map[string]bool{}

	for _, root := range m.cfg.Roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan root %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			manifest, err := readManifest(dir)
			if err != nil {
				m.logger.Warn(ctx, "skipping unreadable extension", "dir", dir, "error", err)
				continue
			}
			if seen[manifest.ID] {
				// Earlier roots shadow later ones.
				continue
			}
			seen[manifest.ID] = true

			ext := &models.Extension{
				ID:           manifest.ID,
				Name:         manifest.Name,
				Version:      manifest.Version,
				Path:         dir,
				Entry:        manifest.Entry,
				Capabilities: manifest.Capabilities,
				Profile:      manifest.Profile,
				State:        models.StateDiscovered,
				DiscoveredAt: time.Now(),
			}
			if data, err := os.ReadFile(filepath.Join(dir, manifest.Entry)); err == nil {
				ext.Fingerprint = transpile.Fingerprint(string(data))
			}
			found = append(found, ext)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })

	m.mu.Lock()
	for _, ext := range found {
		if existing, ok := m.exts[ext.ID]; ok {
			// Keep live state; refresh identity fields.
			existing.ext.Fingerprint = ext.Fingerprint
			existing.ext.Version = ext.Version
			continue
		}
		m.exts[ext.ID] = &loaded{ext: ext}
	}
	m.mu.Unlock()

	if m.cfg.IndexPath != "" {
		if err := m.writeIndex(); err != nil {
			m.logger.Warn(ctx, "persist extension index failed", "error", err)
		}
	}
	return found, nil
}

// LoadAll activates every discovered extension in deterministic (sorted by
// id) order. An activation failure marks that extension Failed and moves on.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.exts))
	for id := range m.exts {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := m.Load(ctx, id); err != nil {
			m.logger.Warn(ctx, "extension failed to load", "extension_id", id, "error", err)
		}
	}
	return nil
}

// Load runs the full pipeline for one extension: preflight, policy, region,
// engine, entrypoint evaluation.
func (m *Manager) Load(ctx context.Context, id string) error {
	m.mu.Lock()
	l, ok := m.exts[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown extension %q", id)
	}
	ext := l.ext
	ctx = observability.AddExtensionID(ctx, ext.ID)

	if ext.State == models.StateActive {
		return nil
	}

	// Preflight.
	report, err := m.cfg.Analyzer.Analyze(ext.Path)
	if err != nil {
		return m.fail(ctx, l, fmt.Errorf("preflight: %w", err))
	}
	if ext.State == models.StateDiscovered {
		if err := ext.Transition(models.StatePreflighted); err != nil {
			return m.fail(ctx, l, err)
		}
	}
	ext.Capabilities = mergeCapabilities(ext.Capabilities, report.Capabilities)

	// Policy resolution.
	profile := m.profileFor(ext)
	ext.Profile = profile.Name
	m.cfg.Policy.AssignProfile(ext.ID, profile)
	for cap, decision := range m.cfg.Overrides[ext.ID] {
		d, err := policy.ParseDecision(decision)
		if err != nil {
			return m.fail(ctx, l, err)
		}
		m.cfg.Policy.SetOverride(ext.ID, policy.Capability(cap), d)
	}

	m.recordLedger(risk.Entry{
		ExtensionID: ext.ID,
		Fingerprint: ext.Fingerprint,
		Kind:        "preflight",
		Verdict:     string(report.Verdict),
		RiskScore:   report.RiskScore,
		Detail:      map[string]any{"findings": len(report.Findings), "profile": profile.Name},
	})

	if preflight.Gate(report.Verdict, profile) {
		err := fmt.Errorf("preflight verdict %s gates activation under the safe profile", report.Verdict)
		return m.fail(ctx, l, err)
	}

	// Load: acquire a fresh region and engine, evaluate the entrypoint.
	if err := ext.Transition(models.StateLoading); err != nil {
		return m.fail(ctx, l, err)
	}
	reg := region.New(nil, m.cfg.Logger.Slog(), region.WithCleanupBudget(m.cfg.CleanupBudget))
	eng, err := engine.New(engine.Config{
		ExtensionID: ext.ID,
		Root:        ext.Path,
		Entry:       ext.Entry,
		Region:      reg,
		Scheduler:   m.cfg.Scheduler,
		Dispatcher:  m.cfg.Dispatcher,
		Modules:     modules.NewRegistry(ext.Path),
		Transpile:   m.cfg.Transpile,
		Bus:         m.cfg.Bus,
		Logger:      m.cfg.Logger,
		Tools:       m.cfg.Tools,
	})
	if err != nil {
		reg.Shutdown(0)
		return m.fail(ctx, l, err)
	}

	actErr := make(chan error, 1)
	m.cfg.Scheduler.Enqueue(scheduler.KindEngineEval, ext.ID, func() {
		actErr <- eng.Activate()
	})
	if m.cfg.Drive != nil {
		m.cfg.Drive()
	}
	select {
	case err = <-actErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		eng.Close()
		m.cfg.Bus.DropRegion(reg)
		reg.Shutdown(0)
		return m.fail(ctx, l, err)
	}

	l.region = reg
	l.engine = eng
	if err := ext.Transition(models.StateActive); err != nil {
		return m.fail(ctx, l, err)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActivationCounter.WithLabelValues("active").Inc()
		m.cfg.Metrics.ActiveRegions.Inc()
	}
	m.recordLedger(risk.Entry{ExtensionID: ext.ID, Fingerprint: ext.Fingerprint, Kind: "activation", Verdict: "active"})
	m.logger.Info(ctx, "extension activated", "profile", ext.Profile, "region_id", reg.ID)
	return nil
}

// fail marks the extension Failed with a structured cause. No region handle
// is retained.
func (m *Manager) fail(ctx context.Context, l *loaded, cause error) error {
	l.ext.State = models.StateFailed
	l.ext.FailureCause = cause.Error()
	l.region = nil
	l.engine = nil
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActivationCounter.WithLabelValues("failed").Inc()
	}
	if m.cfg.EventLog != nil {
		m.cfg.EventLog.Record(ctx, observability.RuntimeEvent{
			Level:       "error",
			Event:       "activation_failed",
			Message:     cause.Error(),
			ExtensionID: l.ext.ID,
		})
	}
	m.recordLedger(risk.Entry{
		ExtensionID: l.ext.ID,
		Fingerprint: l.ext.Fingerprint,
		Kind:        "activation",
		Verdict:     "failed",
		Detail:      map[string]any{"cause": cause.Error()},
	})
	return cause
}

// Unload drains one extension's region within the cleanup budget and
// releases its engine.
func (m *Manager) Unload(ctx context.Context, id string, budget time.Duration) (*region.ShutdownReport, error) {
	m.mu.Lock()
	l, ok := m.exts[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", id)
	}
	if l.ext.State != models.StateActive {
		return nil, fmt.Errorf("extension %s is not active", id)
	}
	if err := l.ext.Transition(models.StateDraining); err != nil {
		return nil, err
	}

	report := l.region.Shutdown(budget)
	m.cfg.Bus.DropRegion(l.region)
	l.engine.Close()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveRegions.Dec()
		for _, leak := range report.Leaked {
			m.cfg.Metrics.LeakedHandles.WithLabelValues(leak.Kind).Inc()
		}
	}
	if len(report.Leaked) > 0 && m.cfg.EventLog != nil {
		for _, leak := range report.Leaked {
			m.cfg.EventLog.Record(ctx, observability.RuntimeEvent{
				Level:       "warn",
				Event:       "leaked_handle",
				Message:     leak.Kind,
				ExtensionID: id,
				Fields:      map[string]any{"handle_id": leak.ID, "name": leak.Name},
			})
		}
	}

	l.region = nil
	l.engine = nil
	if err := l.ext.Transition(models.StateUnloaded); err != nil {
		return &report, err
	}
	return &report, nil
}

// Shutdown delivers on_shutdown under one collective budget, then drains
// every active region.
func (m *Manager) Shutdown(ctx context.Context, budget time.Duration) []region.ShutdownReport {
	if budget <= 0 {
		budget = m.cfg.CleanupBudget
	}
	start := time.Now()

	// on_shutdown runs as a macrotask so script subscribers execute on the
	// scheduler's thread, all under one collective budget.
	published := make(chan struct{}, 1)
	m.cfg.Scheduler.Enqueue(scheduler.KindRegionShutdown, events.OnShutdown, func() {
		m.cfg.Bus.PublishShutdown(ctx, budget, nil)
		published <- struct{}{}
	})
	if m.cfg.Drive != nil {
		m.cfg.Drive()
	}
	select {
	case <-published:
	case <-time.After(budget):
	}

	remaining := budget - time.Since(start)
	if remaining < 0 {
		remaining = time.Millisecond
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.exts))
	for id, l := range m.exts {
		if l.ext.State == models.StateActive {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var reports []region.ShutdownReport
	for _, id := range ids {
		report, err := m.Unload(ctx, id, remaining)
		if err != nil {
			m.logger.Warn(ctx, "unload failed during shutdown", "extension_id", id, "error", err)
			continue
		}
		reports = append(reports, *report)
	}
	return reports
}

// Extensions returns the current catalog, sorted by id.
func (m *Manager) Extensions() []*models.Extension {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Extension, 0, len(m.exts))
	for _, l := range m.exts {
		out = append(out, l.ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Engine returns the live engine for an active extension, nil otherwise.
func (m *Manager) Engine(id string) *engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.exts[id]; ok {
		return l.engine
	}
	return nil
}

// Publish delivers a lifecycle event to subscribers through a macrotask, so
// script handlers run on the scheduler's thread of control.
func (m *Manager) Publish(ctx context.Context, ev *events.Event) {
	m.cfg.Scheduler.Enqueue(scheduler.KindEventDispatch, ev.Name, func() {
		m.cfg.Bus.Publish(ctx, ev)
	})
	if m.cfg.Drive != nil {
		m.cfg.Drive()
	}
}

func (m *Manager) profileFor(ext *models.Extension) policy.Profile {
	if name, ok := m.cfg.Profiles[ext.ID]; ok {
		if p, err := policy.ProfileByName(name); err == nil {
			return p
		}
	}
	if ext.Profile != "" {
		if p, err := policy.ProfileByName(ext.Profile); err == nil {
			return p
		}
	}
	return m.cfg.DefaultProfile
}

func (m *Manager) recordLedger(e risk.Entry) {
	if m.cfg.Ledger == nil {
		return
	}
	if err := m.cfg.Ledger.Append(e); err != nil {
		m.logger.Warn(context.Background(), "risk ledger append failed", "error", err)
	}
}

func mergeCapabilities(declared, implied []string) []string {
	set := map[string]bool{}
	for _, c := range declared {
		set[c] = true
	}
	for _, c := range implied {
		set[c] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
