// Package modules resolves specifiers issued by extension code. Three kinds
// are recognized: built-in host shims, an allow-list of known-package stubs,
// and local relative imports under the extension root. Everything else fails
// with MODULE_NOT_FOUND; network specifiers are rejected unconditionally.
package modules

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/enclave/internal/hostcall"
)

// Kind classifies a resolved specifier.
type Kind int

const (
	// KindBuiltin is a host-implemented shim (path, fs, crypto, ...).
	KindBuiltin Kind = iota

	// KindStub is a known framework package resolved to a stub value
	// sufficient to let the extension load without the native package.
	KindStub

	// KindLocal is a relative import under the extension root.
	KindLocal
)

// builtins is the closed set of host shims.
var builtins = map[string]bool{
	"path":            true,
	"fs":              true,
	"fs/promises":     true,
	"crypto":          true,
	"buffer":          true,
	"child_process":   true,
	"http":            true,
	"https":           true,
	"events":          true,
	"os":              true,
	"url":             true,
	"process":         true,
	"util":            true,
	"stream":          true,
	"stream/promises": true,
	"querystring":     true,
	"assert":          true,
	"string_decoder":  true,
	"module":          true,
}

// stubs is the allow-list of known packages resolved to inert stub values.
var stubs = map[string]bool{
	"zod":        true,
	"chalk":      true,
	"picocolors": true,
	"lodash":     true,
	"semver":     true,
	"minimatch":  true,
	"diff":       true,
}

// localExtensions are tried, in order, when a relative specifier does not
// name a file directly.
var localExtensions = []string{"", ".ts", ".tsx", ".js", ".mjs", ".cjs", "/index.ts", "/index.js"}

// Resolution is the outcome of resolving one specifier.
type Resolution struct {
	Kind Kind

	// Name is the canonical built-in or stub name.
	Name string

	// Path is the absolute file path for local resolutions.
	Path string
}

// Registry resolves specifiers for one extension root.
type Registry struct {
	root string
}

// NewRegistry creates a registry rooted at the extension directory.
func NewRegistry(root string) *Registry {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Registry{root: abs}
}

// Root returns the extension root directory.
func (r *Registry) Root() string { return r.root }

// Builtins returns the closed shim set, for the preflight analyzer and the
// engine's shim construction.
func Builtins() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	return out
}

// IsBuiltin reports whether name (after node: normalization) is a host shim.
func IsBuiltin(name string) bool {
	return builtins[normalize(name)]
}

func normalize(specifier string) string {
	return strings.TrimPrefix(specifier, "node:")
}

// Resolve maps a specifier to a resolution. referrer is the absolute path of
// the importing file ("" for the entrypoint itself).
func (r *Registry) Resolve(specifier, referrer string) (Resolution, error) {
	if specifier == "" {
		return Resolution{}, hostcall.NewError(hostcall.CodeModuleNotFound, "empty module specifier")
	}

	// Network specifiers are rejected unconditionally.
	if strings.Contains(specifier, "://") {
		return Resolution{}, hostcall.NewError(hostcall.CodeModuleNotFound,
			"network module specifier %q is not permitted", specifier)
	}

	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		return r.resolveLocal(specifier, referrer)
	}

	name := normalize(specifier)
	if builtins[name] {
		return Resolution{Kind: KindBuiltin, Name: name}, nil
	}
	if stubs[name] {
		return Resolution{Kind: KindStub, Name: name}, nil
	}
	return Resolution{}, hostcall.NewError(hostcall.CodeModuleNotFound,
		"cannot resolve module %q", specifier)
}

func (r *Registry) resolveLocal(specifier, referrer string) (Resolution, error) {
	base := r.root
	if referrer != "" {
		base = filepath.Dir(referrer)
	}
	var candidate string
	if filepath.IsAbs(specifier) {
		candidate = filepath.Clean(specifier)
	} else {
		candidate = filepath.Join(base, specifier)
	}

	// Local imports never escape the extension root.
	rel, err := filepath.Rel(r.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return Resolution{}, hostcall.NewError(hostcall.CodeModuleNotFound,
			"module %q resolves outside the extension root", specifier)
	}

	for _, ext := range localExtensions {
		path := candidate + ext
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return Resolution{Kind: KindLocal, Name: specifier, Path: path}, nil
		}
	}
	return Resolution{}, hostcall.NewError(hostcall.CodeModuleNotFound,
		"cannot resolve module %q", specifier)
}

// Load reads a local resolution's source.
func (r *Registry) Load(res Resolution) (string, error) {
	if res.Kind != KindLocal {
		return "", hostcall.NewError(hostcall.CodeInternal, "load called on non-local module %q", res.Name)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return "", hostcall.NewError(hostcall.CodeIO, "read module %s: %v", res.Path, err)
	}
	return string(data), nil
}
