// Package risk persists the append-only ledger of capability and risk
// decisions made about extensions: preflight verdicts, policy assignments,
// warnings, and activation outcomes. Entries are JSON lines and are never
// rewritten.
package risk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one ledger record.
type Entry struct {
	Time        time.Time      `json:"time"`
	ExtensionID string         `json:"extension_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Kind        string         `json:"kind"` // preflight | policy | warning | activation
	Verdict     string         `json:"verdict,omitempty"`
	RiskScore   int            `json:"risk_score,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Ledger appends entries to a JSONL file.
type Ledger struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	clock func() time.Time
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open risk ledger: %w", err)
	}
	return &Ledger{path: path, f: f, clock: time.Now}, nil
}

// SetClock overrides the timestamp source for deterministic tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Append writes one entry. The timestamp is stamped if absent.
func (l *Ledger) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = l.clock()
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if _, err := l.f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Entries reads the full ledger back, oldest first.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing write is skipped, not fatal; the ledger is
			// append-only so everything before it is intact.
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// ForExtension filters entries for one extension, oldest first.
func (l *Ledger) ForExtension(extensionID string) ([]Entry, error) {
	all, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.ExtensionID == extensionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close closes the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
