package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultMaxResults = 200

// GrepTool searches file contents under the workspace with a regular
// expression.
type GrepTool struct {
	resolver Resolver
}

type grepInput struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory or file to search (default: workspace root)"`
	Glob       string `json:"glob,omitempty" jsonschema:"description=Filename glob filter such as *.go"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=0,description=Stop after this many matching lines (default 200)"`
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents in the workspace with a regular expression."
}

func (t *GrepTool) Schema() json.RawMessage { return reflectSchema(&grepInput{}) }

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input grepInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return toolError("invalid pattern: %v", err), nil
	}
	target := input.Path
	if target == "" {
		target = "."
	}
	root, err := t.resolver.Resolve(target)
	if err != nil {
		return toolError("%v", err), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if input.Glob != "" {
			if ok, _ := filepath.Match(input.Glob, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(root, path)
		found, err := grepFile(path, rel, re, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return toolError("search: %v", err), nil
	}
	if len(matches) == 0 {
		return &Result{Content: "no matches"}, nil
	}
	return &Result{Content: strings.Join(matches, "\n")}, nil
}

func grepFile(path, rel string, re *regexp.Regexp, budget int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			out = append(out, fmt.Sprintf("%s:%d:%s", rel, line, text))
			if len(out) >= budget {
				break
			}
		}
	}
	return out, nil
}

// FindTool locates files by name glob under the workspace.
type FindTool struct {
	resolver Resolver
}

type findInput struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Filename glob such as *.ts"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search (default: workspace root)"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=0,description=Stop after this many paths (default 200)"`
}

func (t *FindTool) Name() string { return "find" }

func (t *FindTool) Description() string {
	return "Find files by name glob in the workspace."
}

func (t *FindTool) Schema() json.RawMessage { return reflectSchema(&findInput{}) }

func (t *FindTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input findInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err), nil
	}
	if input.Pattern == "" {
		return toolError("pattern is required"), nil
	}
	target := input.Path
	if target == "" {
		target = "."
	}
	root, err := t.resolver.Resolve(target)
	if err != nil {
		return toolError("%v", err), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	var found []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(input.Pattern, d.Name()); ok {
			rel, _ := filepath.Rel(root, path)
			found = append(found, rel)
			if len(found) >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return toolError("find: %v", err), nil
	}
	if len(found) == 0 {
		return &Result{Content: "no matches"}, nil
	}
	return &Result{Content: strings.Join(found, "\n")}, nil
}
