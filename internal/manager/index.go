package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/enclave/pkg/models"
)

// IndexEntry is one catalog row in the persisted extension index.
type IndexEntry struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Fingerprint string           `json:"fingerprint"`
	Path        string           `json:"path"`
	State       models.LoadState `json:"state"`
	Profile     string           `json:"profile,omitempty"`
}

// Index is the catalog written after each discovery scan, so operators and
// tooling can inspect what the manager knows without a live process.
type Index struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Extensions  []IndexEntry `json:"extensions"`
}

// writeIndex persists the current catalog to cfg.IndexPath atomically.
func (m *Manager) writeIndex() error {
	idx := Index{GeneratedAt: time.Now()}
	for _, ext := range m.Extensions() {
		idx.Extensions = append(idx.Extensions, IndexEntry{
			ID:          ext.ID,
			Name:        ext.Name,
			Version:     ext.Version,
			Fingerprint: ext.Fingerprint,
			Path:        ext.Path,
			State:       ext.State,
			Profile:     ext.Profile,
		})
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.IndexPath), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	encoded, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.cfg.IndexPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.cfg.IndexPath)
}

// ReadIndex loads a previously persisted index.
func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse extension index: %w", err)
	}
	return &idx, nil
}
