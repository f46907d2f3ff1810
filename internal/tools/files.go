package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 200000

// ReadTool reads a file within the workspace.
type ReadTool struct {
	resolver Resolver
}

type readInput struct {
	Path     string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace"`
	Offset   int    `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read"`
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) Schema() json.RawMessage { return reflectSchema(&readInput{}) }

func (t *ReadTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input readInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return toolError("read %s: %v", input.Path, err), nil
	}
	if input.Offset > 0 {
		if input.Offset >= len(data) {
			data = nil
		} else {
			data = data[input.Offset:]
		}
	}
	limit := input.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}
	content := string(data)
	if truncated {
		content += "\n[truncated]"
	}
	return &Result{Content: content}, nil
}

// WriteTool creates or overwrites a file within the workspace.
type WriteTool struct {
	resolver Resolver
}

type writeInput struct {
	Path       string `json:"path" jsonschema:"required,description=Path to write relative to the workspace"`
	Content    string `json:"content" jsonschema:"required,description=Full file content"`
	CreateDirs bool   `json:"create_dirs,omitempty" jsonschema:"description=Create parent directories as needed"`
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write a file in the workspace, overwriting any existing content."
}

func (t *WriteTool) Schema() json.RawMessage { return reflectSchema(&writeInput{}) }

func (t *WriteTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input writeInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError("%v", err), nil
	}
	if input.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return toolError("create directories: %v", err), nil
		}
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return toolError("write %s: %v", input.Path, err), nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)}, nil
}

// EditTool applies a find/replace edit to a file within the workspace.
type EditTool struct {
	resolver Resolver
}

type editInput struct {
	Path       string `json:"path" jsonschema:"required,description=Path to edit relative to the workspace"`
	OldText    string `json:"old_text" jsonschema:"required,description=Text to replace"`
	NewText    string `json:"new_text" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Apply a find/replace edit to a file in the workspace."
}

func (t *EditTool) Schema() json.RawMessage { return reflectSchema(&editInput{}) }

func (t *EditTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input editInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	if input.OldText == input.NewText {
		return toolError("old_text and new_text are identical"), nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return toolError("read %s: %v", input.Path, err), nil
	}
	content := string(data)
	count := strings.Count(content, input.OldText)
	if count == 0 {
		return toolError("old_text not found in %s", input.Path), nil
	}
	if count > 1 && !input.ReplaceAll {
		return toolError("old_text matches %d times in %s; pass replace_all or disambiguate", count, input.Path), nil
	}
	replaced := strings.Replace(content, input.OldText, input.NewText, -1)
	if !input.ReplaceAll {
		replaced = strings.Replace(content, input.OldText, input.NewText, 1)
	}
	if err := os.WriteFile(path, []byte(replaced), 0o644); err != nil {
		return toolError("write %s: %v", input.Path, err), nil
	}
	n := count
	if !input.ReplaceAll {
		n = 1
	}
	return &Result{Content: fmt.Sprintf("replaced %d occurrence(s) in %s", n, input.Path)}, nil
}

// LsTool lists a directory within the workspace.
type LsTool struct {
	resolver Resolver
}

type lsInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the workspace (default: workspace root)"`
}

func (t *LsTool) Name() string { return "ls" }

func (t *LsTool) Description() string {
	return "List directory entries in the workspace."
}

func (t *LsTool) Schema() json.RawMessage { return reflectSchema(&lsInput{}) }

func (t *LsTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input lsInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	target := input.Path
	if target == "" {
		target = "."
	}
	path, err := t.resolver.Resolve(target)
	if err != nil {
		return toolError("%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError("list %s: %v", target, err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Content: strings.Join(names, "\n")}, nil
}
