package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Manifest is the extension's self-description. Manifests are operator-edited
// files, so the tolerant JSON5 parser accepts comments and trailing commas.
type Manifest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Entry        string   `json:"entry"`
	Capabilities []string `json:"capabilities"`
	Profile      string   `json:"profile"`
}

var manifestNames = []string{"extension.json5", "extension.json"}

var idRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// readManifest loads the manifest from an extension directory. A directory
// without a manifest but with a recognizable entrypoint gets a synthesized
// manifest named after the directory.
func readManifest(dir string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var m Manifest
		if err := json5.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := m.validate(dir); err != nil {
			return nil, err
		}
		return &m, nil
	}

	for _, entry := range []string{"index.ts", "index.js", "main.ts", "main.js"} {
		if _, err := os.Stat(filepath.Join(dir, entry)); err == nil {
			m := &Manifest{
				ID:    strings.ToLower(filepath.Base(dir)),
				Name:  filepath.Base(dir),
				Entry: entry,
			}
			if err := m.validate(dir); err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("no manifest or entrypoint in %s", dir)
}

func (m *Manifest) validate(dir string) error {
	if m.ID == "" {
		m.ID = strings.ToLower(filepath.Base(dir))
	}
	if !idRE.MatchString(m.ID) {
		return fmt.Errorf("extension id %q is not a valid identifier", m.ID)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Entry == "" {
		m.Entry = "index.ts"
	}
	if strings.Contains(m.Entry, "..") || filepath.IsAbs(m.Entry) {
		return fmt.Errorf("extension %s: entry %q must be relative to the extension root", m.ID, m.Entry)
	}
	if _, err := os.Stat(filepath.Join(dir, m.Entry)); err != nil {
		return fmt.Errorf("extension %s: entry %s: %w", m.ID, m.Entry, err)
	}
	if m.Profile != "" {
		switch m.Profile {
		case "safe", "balanced", "permissive":
		default:
			return fmt.Errorf("extension %s: unknown profile %q", m.ID, m.Profile)
		}
	}
	return nil
}
