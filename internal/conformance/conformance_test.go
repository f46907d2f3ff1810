package conformance

import (
	"os"
	"path/filepath"
	"testing"
)

func writeExtension(t *testing.T, files map[string]string) string {
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
	return root
}

func TestCorpusPersistsInclusionList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "corpus.json")
	c, err := OpenCorpus(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set("alpha", true, "baseline"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("beta", false, "flaky registration order"); err != nil {
		t.Fatal(err)
	}
	if !c.Included("alpha") || c.Included("beta") || c.Included("missing") {
		t.Error("inclusion flags wrong")
	}

	reloaded, err := OpenCorpus(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := reloaded.Entries()
	if len(entries) != 2 || entries[0].ID != "alpha" || !entries[0].Include {
		t.Errorf("reloaded corpus: %+v", entries)
	}
	if entries[1].Reason != "flaky registration order" {
		t.Errorf("reason lost: %+v", entries[1])
	}
}

func TestIdenticalRunsProduceNoDiff(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `
export async function activate(api: any) {
  api.registerTool({ name: "t1", schema: { type: "object" }, run: () => "x" });
  api.slashCommand({ name: "c1", run: () => {} });
  api.on("on_message", () => {});
  await api.log({ level: "info", event: "loaded", message: "ready" });
}
`,
	})

	r := NewRunner(nil)
	diffs, err := r.Compare(root, "index.ts", 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Errorf("deterministic extension should produce no diff: %+v", diffs)
	}
}

func TestDiffDetectsDivergence(t *testing.T) {
	a := &RunResult{Trace: "lab seed=1\n0 seq=1 kind=engine_eval\n"}
	b := &RunResult{Trace: "lab seed=1\n0 seq=1 kind=engine_eval\n1 seq=2 kind=enqueue_hostcall\n"}
	a.Registrations.Tools = []string{"t1"}
	b.Registrations.Tools = []string{"t1", "t2"}

	diffs := Diff(a, b)
	fields := map[string]bool{}
	for _, d := range diffs {
		fields[d.Field] = true
	}
	if !fields["tools"] || !fields["trace"] {
		t.Errorf("expected tools and trace divergences: %+v", diffs)
	}
}

func TestActivationErrorCaptured(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `import z from "unknown-dep"; export function activate() {}`,
	})
	r := NewRunner(nil)
	res, err := r.Execute(root, "index.ts", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.ActivationErr == "" {
		t.Error("activation error should be captured in the result")
	}
}
