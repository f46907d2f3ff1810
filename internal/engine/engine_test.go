package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/modules"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/sessions"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/internal/transpile"
)

// rig assembles the full script-to-host loop on a lab scheduler with the
// dispatcher in inline mode, so a single RunUntilQuiescent drives activation
// and every host-call to completion.
type rig struct {
	t       *testing.T
	lab     *scheduler.Lab
	eng     *Engine
	reg     *region.Region
	bus     *events.Bus
	session sessions.Handle
	log     *observability.EventLog
}

func newRig(t *testing.T, profile policy.Profile, files map[string]string, muts ...func(*dispatch.Config)) *rig {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	lab := scheduler.NewLab(42, 4096)
	reg := region.New(nil, nil)
	t.Cleanup(func() { reg.Shutdown(0) })

	store := sessions.NewMemoryStore()
	handle, err := store.GetOrCreate(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tools.NewRegistry(root, logger)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(logger)
	eventLog := observability.NewEventLog(nil)

	cfg := dispatch.Config{
		Policy:   policy.NewEvaluator(profile, logger),
		Tools:    registry,
		Sessions: handle,
		Bus:      bus,
		Logger:   logger,
		EventLog: eventLog,
		Inline:   true,
	}
	for _, mut := range muts {
		mut(&cfg)
	}
	disp := dispatch.New(cfg)

	cache, err := transpile.NewCache(0)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Config{
		ExtensionID: "test-ext",
		Root:        root,
		Entry:       "index.ts",
		Region:      reg,
		Scheduler:   lab.Scheduler,
		Dispatcher:  disp,
		Modules:     modules.NewRegistry(root),
		Transpile:   cache,
		Bus:         bus,
		Logger:      logger,
		Tools:       registry,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &rig{t: t, lab: lab, eng: eng, reg: reg, bus: bus, session: handle, log: eventLog}
}

// activate runs Activate as a macrotask and drives the lab to quiescence.
func (r *rig) activate() error {
	var actErr error
	r.lab.Enqueue(scheduler.KindEngineEval, "activate", func() {
		actErr = r.eng.Activate()
	})
	r.lab.RunUntilQuiescent()
	return actErr
}

func (r *rig) label(key string) string {
	state, err := r.session.State(context.Background())
	if err != nil {
		r.t.Fatal(err)
	}
	return state.Labels[key]
}

func TestActivateRegistersSurfaces(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.registerTool({
    name: "hello",
    description: "says hello",
    schema: { type: "object" },
    run: (input: any) => "hello " + (input.who ?? "world"),
  });
  api.slashCommand({ name: "greet", description: "greets", run: () => {} });
  api.shortcut({ name: "quick", key: "ctrl+g", run: () => {} });
  api.registerProvider({ name: "fake", models: ["m1", "m2"], streamSimple: () => {} });
  api.flag({ name: "verbose", description: "chatty", default: false });
  api.on("on_message", () => {});
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}

	sum := r.eng.Registrations().Summarize()
	if len(sum.Tools) != 1 || sum.Tools[0] != "hello" {
		t.Errorf("tools: %v", sum.Tools)
	}
	if len(sum.Commands) != 1 || sum.Commands[0] != "greet" {
		t.Errorf("commands: %v", sum.Commands)
	}
	if len(sum.Shortcuts) != 1 || len(sum.Providers) != 1 || len(sum.Flags) != 1 {
		t.Errorf("summary: %+v", sum)
	}
	if r.bus.SubscriberCount("on_message") != 1 {
		t.Error("on_message subscription missing")
	}
}

func TestHostcallPromiseRoundTrip(t *testing.T) {
	r := newRig(t, policy.Balanced, map[string]string{
		"index.ts": `
export async function activate(api: any) {
  await api.session.setLabel("phase", "started");
  const state = await api.session.getState();
  await api.session.setLabel("echo", state.labels["phase"]);
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("phase"); got != "started" {
		t.Errorf("first write lost: %q", got)
	}
	if got := r.label("echo"); got != "started" {
		t.Errorf("snapshot read stale: %q", got)
	}
}

func TestDeniedHostcallRejectsPromise(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"index.ts": `
export async function activate(api: any) {
  try {
    await api.exec("ls", []);
    await api.session.setLabel("outcome", "allowed");
  } catch (err: any) {
    await api.session.setLabel("outcome", err.code + ":" + err.message);
  }
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("outcome"); got != "DENIED:exec" {
		t.Errorf("denied exec should reject with code: %q", got)
	}
}

func TestLocalImportAndModuleNotFound(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"lib/greet.ts": `export const word: string = "salut"`,
		"index.ts": `
import { word } from "./lib/greet";
export async function activate(api: any) {
  await api.session.setLabel("word", word);
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("word"); got != "salut" {
		t.Errorf("local import: %q", got)
	}

	bad := newRig(t, policy.Safe, map[string]string{
		"index.ts": `
import missing from "nonexistent-pkg";
export function activate(api: any) {}
`,
	})
	err := bad.activate()
	herr, ok := err.(*hostcall.Error)
	if !ok || herr.Code != hostcall.CodeModuleNotFound {
		t.Fatalf("expected MODULE_NOT_FOUND, got %v", err)
	}
	if !strings.Contains(herr.Message, "nonexistent-pkg") {
		t.Errorf("message must name the specifier: %q", herr.Message)
	}
}

func TestBuiltinShims(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"data.txt": "file-content",
		"index.ts": `
import * as path from "path";
import * as fs from "fs";
import * as crypto from "crypto";
import { EventEmitter } from "events";

export async function activate(api: any) {
  const joined = path.join("a", "b.txt");
  const content = fs.readFileSync("data.txt");
  const hash = crypto.createHash("sha256").update("x").digest("hex");
  const em = new EventEmitter();
  let fired = "";
  em.on("ping", (v: string) => { fired = v; });
  em.emit("ping", "pong");
  await api.session.setLabel("joined", joined);
  await api.session.setLabel("content", content);
  await api.session.setLabel("hash_len", String(hash.length));
  await api.session.setLabel("fired", fired);
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("joined"); got != filepath.Join("a", "b.txt") {
		t.Errorf("path shim: %q", got)
	}
	if got := r.label("content"); got != "file-content" {
		t.Errorf("fs shim (read in root): %q", got)
	}
	if got := r.label("hash_len"); got != "64" {
		t.Errorf("crypto shim: %q", got)
	}
	if got := r.label("fired"); got != "pong" {
		t.Errorf("events shim: %q", got)
	}
}

func TestFsReadOutsideRootDeniedUnderSafe(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"index.ts": `
import * as fs from "fs";
export async function activate(api: any) {
  try {
    fs.readFileSync("../../etc/hostname");
    await api.session.setLabel("read", "allowed");
  } catch (err: any) {
    await api.session.setLabel("read", err.code ?? "thrown");
  }
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("read"); got != hostcall.CodeDenied {
		t.Errorf("outside-root read under safe: %q", got)
	}
}

func TestToolHostcallFromScript(t *testing.T) {
	r := newRig(t, policy.Safe, map[string]string{
		"index.ts": `
export async function activate(api: any) {
  await api.tool("write", { path: "note.txt", content: "from script" });
  const res = await api.tool("read", { path: "note.txt" });
  await api.session.setLabel("note", res.content);
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}
	if got := r.label("note"); got != "from script" {
		t.Errorf("tool round trip: %q", got)
	}
}

func TestEventDeliveryToScriptHandler(t *testing.T) {
	r := newRig(t, policy.Balanced, map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.on("on_message", async (ev: any) => {
    await api.session.setLabel("saw", ev.payload.text);
  });
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}

	// Publish from a macrotask, as the manager does.
	r.lab.Enqueue(scheduler.KindEventDispatch, events.OnMessage, func() {
		r.bus.Publish(context.Background(), &events.Event{
			Name:    events.OnMessage,
			Payload: map[string]any{"text": "hi there"},
		})
	})
	r.lab.RunUntilQuiescent()

	if got := r.label("saw"); got != "hi there" {
		t.Errorf("event payload not observed: %q", got)
	}
}

func TestFailingHandlerIsolation(t *testing.T) {
	r := newRig(t, policy.Balanced, map[string]string{
		"index.ts": `
export function activate(api: any) {
  api.on("on_message", () => { throw new Error("first handler breaks"); });
  api.on("on_message", async () => {
    await api.session.setLabel("second", "ran");
  });
}
`,
	})
	if err := r.activate(); err != nil {
		t.Fatal(err)
	}

	var deliveries []events.Delivery
	r.lab.Enqueue(scheduler.KindEventDispatch, events.OnMessage, func() {
		deliveries = r.bus.Publish(context.Background(), &events.Event{Name: events.OnMessage})
	})
	r.lab.RunUntilQuiescent()

	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Err == nil || deliveries[0].Err.Code != hostcall.CodeInternal {
		t.Errorf("throwing handler should yield INTERNAL: %+v", deliveries[0])
	}
	if got := r.label("second"); got != "ran" {
		t.Errorf("sibling handler must still run: %q", got)
	}
}

func TestDeterministicReplayByteIdentical(t *testing.T) {
	files := map[string]string{
		"index.ts": `
export async function activate(api: any) {
  for (let i = 0; i < 10; i++) {
    await api.log({ level: "info", event: "tick", message: String(i) });
  }
  for (let i = 0; i < 5; i++) {
    await api.events("emit", { name: "custom:beat", payload: { n: i } });
  }
}
`,
	}
	run := func() string {
		r := newRig(t, policy.Permissive, files)
		if err := r.activate(); err != nil {
			t.Fatal(err)
		}
		return r.lab.TraceString()
	}
	first := run()
	second := run()
	if first != second {
		t.Errorf("two lab runs must be byte-identical:\n--- first\n%s\n--- second\n%s", first, second)
	}
	if !strings.Contains(first, "seed=42") {
		t.Errorf("trace should carry the seed: %s", first)
	}
}

// endlessProcess produces output forever until killed.
type endlessProcess struct {
	stdout   io.Reader
	writer   *io.PipeWriter
	killedAt time.Time
	killOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
}

func newEndlessProcess() *endlessProcess {
	pr, pw := io.Pipe()
	p := &endlessProcess{stdout: pr, writer: pw, done: make(chan struct{})}
	go func() {
		for {
			if _, err := io.WriteString(pw, "data\n"); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *endlessProcess) Stdout() io.Reader { return p.stdout }
func (p *endlessProcess) Stderr() io.Reader { return strings.NewReader("") }

func (p *endlessProcess) Kill() error {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killedAt = time.Now()
		p.mu.Unlock()
		p.writer.CloseWithError(io.EOF)
		close(p.done)
	})
	return nil
}

func (p *endlessProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return -1, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *endlessProcess) killed() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killedAt, !p.killedAt.IsZero()
}

type singleLauncher struct {
	mu   sync.Mutex
	proc *endlessProcess
}

func (l *singleLauncher) Launch(context.Context, dispatch.ProcessSpec) (dispatch.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proc = newEndlessProcess()
	return l.proc, nil
}

func (l *singleLauncher) last() *endlessProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proc
}

// TestStreamingTailWithCancellation drives the production scheduler: the
// dispatcher runs handlers on region tasks while the scheduler loop delivers
// macrotasks, so the script can consume and cancel a live stream.
func TestStreamingTailWithCancellation(t *testing.T) {
	launcher := &singleLauncher{}
	r := newRig(t, policy.Permissive, map[string]string{
		"index.ts": `
export async function activate(api: any) {
  const stream = await api.exec("emit-forever", [], { stream: true, buffer_size: 4 });
  const seen: any[] = [];
  for await (const chunk of stream) {
    seen.push([chunk.sequence, chunk.chunk === null, chunk.isFinal]);
    if (seen.length === 3) stream.cancel();
    if (chunk.isFinal) break;
  }
  await api.session.setLabel("seen", JSON.stringify(seen));
}
`,
	}, func(c *dispatch.Config) {
		c.Inline = false
		c.Launcher = launcher
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.lab.Scheduler.Run(ctx)

	done := make(chan error, 1)
	r.lab.Enqueue(scheduler.KindEngineEval, "activate", func() {
		done <- r.eng.Activate()
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("activation did not complete")
	}

	// Wait for the async activation body to record its observations.
	deadline := time.Now().Add(5 * time.Second)
	var raw string
	for time.Now().Before(deadline) {
		raw = r.label("seen")
		if raw != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if raw == "" {
		t.Fatal("stream consumption never finished")
	}

	var seen [][3]any
	if err := json.Unmarshal([]byte(raw), &seen); err != nil {
		t.Fatalf("seen: %v (%q)", err, raw)
	}
	// Cancellation races chunk delivery: a chunk already enqueued when
	// cancel lands may still be observed, but the stream must end with
	// exactly one null sentinel and no chunk after it.
	finalIdx := -1
	for i, entry := range seen {
		if entry[2] == true {
			if finalIdx != -1 {
				t.Fatalf("more than one final chunk: %v", seen)
			}
			finalIdx = i
		}
	}
	if finalIdx == -1 || finalIdx != len(seen)-1 {
		t.Fatalf("stream must end with exactly one final chunk: %v", seen)
	}
	if seen[finalIdx][1] != true {
		t.Errorf("cancel sentinel must carry a null chunk: %v", seen[finalIdx])
	}

	proc := launcher.last()
	if proc == nil {
		t.Fatal("no process launched")
	}
	killDeadline := time.Now().Add(time.Second)
	for time.Now().Before(killDeadline) {
		if _, ok := proc.killed(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := proc.killed(); !ok {
		t.Error("underlying process still running after cancel")
	}
}
