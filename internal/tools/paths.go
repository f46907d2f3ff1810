package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace-relative paths. Every built-in
// tool is confined to its root; a path that escapes fails resolution.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the root.
func (r Resolver) Resolve(path string) (string, error) {
	abs, outside, err := r.Locate(path)
	if err != nil {
		return "", err
	}
	if outside {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Locate resolves path and reports whether it lands outside the root. The
// module registry's fs shims use this to classify reads for the policy's
// inside/outside-root split before deciding whether to proceed.
func (r Resolver) Locate(path string) (abs string, outside bool, err error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", false, fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false, fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", false, fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return targetAbs, true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return targetAbs, true, nil
	}
	return targetAbs, false, nil
}
