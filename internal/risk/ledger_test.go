package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "risk", "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndReadBack(t *testing.T) {
	l := openTestLedger(t)
	fixed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	entries := []Entry{
		{ExtensionID: "e1", Kind: "preflight", Verdict: "warn", RiskScore: 35},
		{ExtensionID: "e1", Kind: "activation", Verdict: "active"},
		{ExtensionID: "e2", Kind: "preflight", Verdict: "fail", RiskScore: 80},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ExtensionID != "e1" || got[0].Verdict != "warn" || !got[0].Time.Equal(fixed) {
		t.Errorf("first entry: %+v", got[0])
	}

	forE1, err := l.ForExtension("e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(forE1) != 2 {
		t.Errorf("e1 entries: %d", len(forE1))
	}
}

func TestLedgerIsAppendOnlyAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	first, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first.Append(Entry{ExtensionID: "e1", Kind: "preflight"})
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Append(Entry{ExtensionID: "e1", Kind: "activation"})

	got, err := second.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Kind != "preflight" || got[1].Kind != "activation" {
		t.Errorf("reopen must append, not truncate: %+v", got)
	}
}

func TestTornTrailingWriteSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l.Append(Entry{ExtensionID: "e1", Kind: "preflight"})

	// Simulate a crash mid-write.
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString(`{"extension_id":"e2","kind":"act`)
	f.Close()

	got, err := l.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("torn write should be skipped: %+v", got)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "e1") {
		t.Error("intact entries must survive")
	}
}
