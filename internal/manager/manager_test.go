package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/risk"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/sessions"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/pkg/models"
)

// harness builds a manager over a lab scheduler with inline dispatch.
type harness struct {
	t       *testing.T
	mgr     *Manager
	lab     *scheduler.Lab
	session sessions.Handle
	log     *observability.EventLog
	root    string
}

func newHarness(t *testing.T, defaultProfile policy.Profile) *harness {
	t.Helper()
	root := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	lab := scheduler.NewLab(7, 8192)
	eventLog := observability.NewEventLog(nil)

	store := sessions.NewMemoryStore()
	handle, err := store.GetOrCreate(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tools.NewRegistry(root, logger)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(logger, events.WithEventLog(eventLog))
	pol := policy.NewEvaluator(defaultProfile, logger, policy.WithEventLog(eventLog))

	disp := dispatch.New(dispatch.Config{
		Policy:   pol,
		Tools:    registry,
		Sessions: handle,
		Bus:      bus,
		Logger:   logger,
		EventLog: eventLog,
		Inline:   true,
	})

	ledger, err := risk.Open(filepath.Join(root, "state", "risk.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	mgr, err := New(Config{
		Roots:          []string{filepath.Join(root, "ext")},
		DefaultProfile: defaultProfile,
		CleanupBudget:  2 * time.Second,
		Scheduler:      lab.Scheduler,
		Dispatcher:     disp,
		Policy:         pol,
		Bus:            bus,
		Tools:          registry,
		Ledger:         ledger,
		Logger:         logger,
		EventLog:       eventLog,
		IndexPath:      filepath.Join(root, "state", "index.json"),
		Drive:          func() { lab.RunUntilQuiescent() },
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, mgr: mgr, lab: lab, session: handle, log: eventLog, root: root}
}

func (h *harness) addExtension(id string, files map[string]string) {
	h.t.Helper()
	dir := filepath.Join(h.root, "ext", id)
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			h.t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			h.t.Fatal(err)
		}
	}
}

func (h *harness) label(key string) string {
	state, err := h.session.State(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return state.Labels[key]
}

func stateOf(t *testing.T, mgr *Manager, id string) models.LoadState {
	t.Helper()
	for _, ext := range mgr.Extensions() {
		if ext.ID == id {
			return ext.State
		}
	}
	t.Fatalf("extension %s not found", id)
	return ""
}

const goodExtension = `
export async function activate(api: any) {
  api.registerTool({ name: "ping", description: "pings", schema: { type: "object" }, run: () => "pong" });
  api.on("on_message", async () => {
    await api.session.setLabel("messaged", "yes");
  });
  await api.session.setLabel("activated", "yes");
}
`

func TestDiscoverLoadActivate(t *testing.T) {
	h := newHarness(t, policy.Balanced)
	h.addExtension("alpha", map[string]string{
		"extension.json5": `{
  // operator-edited manifest
  id: "alpha",
  name: "Alpha",
  version: "1.0.0",
  entry: "index.ts",
}`,
		"index.ts": goodExtension,
	})

	ctx := context.Background()
	found, err := h.mgr.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != "alpha" || found[0].State != models.StateDiscovered {
		t.Fatalf("discover: %+v", found)
	}
	if found[0].Fingerprint == "" {
		t.Error("fingerprint missing")
	}

	if err := h.mgr.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := stateOf(t, h.mgr, "alpha"); got != models.StateActive {
		t.Fatalf("alpha state: %s", got)
	}
	if got := h.label("activated"); got != "yes" {
		t.Errorf("activation side effect missing: %q", got)
	}

	// Index persisted.
	idx, err := ReadIndex(filepath.Join(h.root, "state", "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Extensions) != 1 || idx.Extensions[0].ID != "alpha" {
		t.Errorf("index: %+v", idx)
	}
}

func TestActivationFailureIsolation(t *testing.T) {
	h := newHarness(t, policy.Balanced)
	h.addExtension("bad", map[string]string{
		"index.ts": `import x from "nonexistent-pkg"; export function activate() {}`,
	})
	h.addExtension("good", map[string]string{
		"index.ts": goodExtension,
	})

	ctx := context.Background()
	if _, err := h.mgr.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	h.mgr.LoadAll(ctx)

	if got := stateOf(t, h.mgr, "good"); got != models.StateActive {
		t.Errorf("good extension must be unaffected: %s", got)
	}
	if got := stateOf(t, h.mgr, "bad"); got != models.StateFailed {
		t.Errorf("bad extension should be failed: %s", got)
	}

	// The failure cause is structured and names the module.
	for _, ext := range h.mgr.Extensions() {
		if ext.ID == "bad" && ext.FailureCause == "" {
			t.Error("failure cause missing")
		}
	}
	// bad never reached Active: no region retained.
	if h.mgr.Engine("bad") != nil {
		t.Error("failed extension must not retain an engine")
	}
}

func TestPreflightGatesUnderSafe(t *testing.T) {
	h := newHarness(t, policy.Safe)
	// Unknown bare specifier drives the preflight verdict to Fail, which
	// gates under safe before any engine exists.
	h.addExtension("sketchy", map[string]string{
		"index.ts": `import y from "totally-unknown-pkg"; export function activate() {}`,
	})

	ctx := context.Background()
	h.mgr.Discover(ctx)
	h.mgr.LoadAll(ctx)

	if got := stateOf(t, h.mgr, "sketchy"); got != models.StateFailed {
		t.Errorf("gated extension should be failed: %s", got)
	}

	entries, err := h.mgr.cfg.Ledger.ForExtension("sketchy")
	if err != nil {
		t.Fatal(err)
	}
	foundPreflight := false
	for _, e := range entries {
		if e.Kind == "preflight" && e.Verdict == "fail" {
			foundPreflight = true
		}
	}
	if !foundPreflight {
		t.Errorf("preflight verdict missing from risk ledger: %+v", entries)
	}
}

func TestEventFanOutAcrossExtensions(t *testing.T) {
	h := newHarness(t, policy.Balanced)
	h.addExtension("one", map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.on("on_message", async () => { await api.session.setLabel("one", "saw"); });
}
`,
	})
	h.addExtension("two", map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.on("on_message", () => { throw new Error("two misbehaves"); });
}
`,
	})
	h.addExtension("three", map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.on("on_message", async () => { await api.session.setLabel("three", "saw"); });
}
`,
	})

	ctx := context.Background()
	h.mgr.Discover(ctx)
	h.mgr.LoadAll(ctx)

	h.mgr.Publish(ctx, &events.Event{Name: events.OnMessage, Payload: map[string]any{}})

	if h.label("one") != "saw" || h.label("three") != "saw" {
		t.Errorf("siblings of a failing subscriber must still run: one=%q three=%q",
			h.label("one"), h.label("three"))
	}
	failureLogged := false
	for _, ev := range h.log.Tail() {
		if ev.Event == "subscriber_error" && ev.ExtensionID == "two" {
			failureLogged = true
		}
	}
	if !failureLogged {
		t.Error("failing subscriber should be recorded")
	}
}

func TestUnloadDrainsRegion(t *testing.T) {
	h := newHarness(t, policy.Balanced)
	h.addExtension("alpha", map[string]string{"index.ts": goodExtension})

	ctx := context.Background()
	h.mgr.Discover(ctx)
	h.mgr.LoadAll(ctx)

	report, err := h.mgr.Unload(ctx, "alpha", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Drained || len(report.Leaked) != 0 {
		t.Errorf("clean unload should drain: %+v", report)
	}
	if got := stateOf(t, h.mgr, "alpha"); got != models.StateUnloaded {
		t.Errorf("state after unload: %s", got)
	}
	// Subscriptions die with the region.
	h.mgr.Publish(ctx, &events.Event{Name: events.OnMessage})
	if h.label("messaged") != "" {
		t.Error("unloaded extension must not receive events")
	}
}

func TestShutdownBoundedCleanup(t *testing.T) {
	h := newHarness(t, policy.Balanced)
	h.addExtension("alpha", map[string]string{"index.ts": goodExtension})
	h.addExtension("beta", map[string]string{"index.ts": goodExtension})

	ctx := context.Background()
	h.mgr.Discover(ctx)
	h.mgr.LoadAll(ctx)

	// beta holds a task that ignores cancellation, standing in for a
	// streaming call against a slow server.
	h.mgr.mu.Lock()
	betaRegion := h.mgr.exts["beta"].region
	h.mgr.mu.Unlock()
	_, err := betaRegion.CreateTask("slow_http_stream", betaRegion.Budget(), func(taskCtx context.Context) error {
		time.Sleep(10 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	reports := h.mgr.Shutdown(ctx, 500*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("shutdown exceeded budget by too much: %v", elapsed)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 region reports, got %d", len(reports))
	}
	for _, ext := range h.mgr.Extensions() {
		if ext.State != models.StateUnloaded {
			t.Errorf("extension %s not unloaded: %s", ext.ID, ext.State)
		}
	}

	leaked := 0
	for _, ev := range h.log.Tail() {
		if ev.Event == "leaked_handle" {
			leaked++
		}
	}
	if leaked != 1 {
		t.Errorf("expected exactly one leaked handle record, got %d", leaked)
	}
}

func TestManifestParsing(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "extension.json5"), []byte(`{
  id: "fancy-ext", // json5 comment
  version: "2.1.0",
  entry: "main.ts",
  capabilities: ["exec", "http"],
  profile: "permissive",
}`), 0o644)
	os.WriteFile(filepath.Join(dir, "main.ts"), []byte("export function activate() {}"), 0o644)

	m, err := readManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "fancy-ext" || m.Entry != "main.ts" || m.Profile != "permissive" {
		t.Errorf("manifest: %+v", m)
	}
	if len(m.Capabilities) != 2 {
		t.Errorf("capabilities: %v", m.Capabilities)
	}
}

func TestManifestSynthesized(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "My-Ext")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = () => {}"), 0o644)

	m, err := readManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "my-ext" || m.Entry != "index.js" {
		t.Errorf("synthesized manifest: %+v", m)
	}
}

func TestManifestRejectsBadEntry(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "extension.json"), []byte(`{"id":"x","entry":"../../evil.ts"}`), 0o644)
	if _, err := readManifest(dir); err == nil {
		t.Error("escaping entry should be rejected")
	}

	os.WriteFile(filepath.Join(dir, "extension.json"), []byte(`{"id":"UPPER CASE","entry":"index.ts"}`), 0o644)
	os.WriteFile(filepath.Join(dir, "index.ts"), []byte(""), 0o644)
	if _, err := readManifest(dir); err == nil {
		t.Error("invalid id should be rejected")
	}
}
