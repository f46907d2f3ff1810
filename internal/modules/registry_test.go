package modules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/enclave/internal/hostcall"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	return NewRegistry(root), root
}

func TestBuiltinResolution(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, name := range []string{"path", "fs", "fs/promises", "crypto", "child_process", "stream/promises", "string_decoder"} {
		res, err := r.Resolve(name, "")
		if err != nil {
			t.Errorf("builtin %s: %v", name, err)
			continue
		}
		if res.Kind != KindBuiltin || res.Name != name {
			t.Errorf("builtin %s resolved wrong: %+v", name, res)
		}
	}

	// node: prefix normalizes.
	res, err := r.Resolve("node:path", "")
	if err != nil || res.Name != "path" {
		t.Errorf("node:path: %+v %v", res, err)
	}
}

func TestStubResolution(t *testing.T) {
	r, _ := newTestRegistry(t)
	res, err := r.Resolve("zod", "")
	if err != nil || res.Kind != KindStub {
		t.Errorf("zod should resolve to a stub: %+v %v", res, err)
	}
}

func TestUnknownBareSpecifier(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Resolve("nonexistent-pkg", "")
	herr, ok := err.(*hostcall.Error)
	if !ok || herr.Code != hostcall.CodeModuleNotFound {
		t.Fatalf("expected MODULE_NOT_FOUND, got %v", err)
	}
	if !strings.Contains(herr.Message, "nonexistent-pkg") {
		t.Errorf("message must name the specifier: %q", herr.Message)
	}
}

func TestNetworkSpecifierRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, spec := range []string{"https://evil.example/mod.js", "http://x/y"} {
		_, err := r.Resolve(spec, "")
		herr, ok := err.(*hostcall.Error)
		if !ok || herr.Code != hostcall.CodeModuleNotFound {
			t.Errorf("network specifier %s: %v", spec, err)
		}
	}
}

func TestLocalResolutionWithExtensions(t *testing.T) {
	r, root := newTestRegistry(t)
	os.MkdirAll(filepath.Join(root, "lib"), 0o755)
	os.WriteFile(filepath.Join(root, "lib", "util.ts"), []byte("export const x = 1"), 0o644)
	os.WriteFile(filepath.Join(root, "main.ts"), []byte(""), 0o644)

	res, err := r.Resolve("./lib/util", filepath.Join(root, "main.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindLocal || res.Path != filepath.Join(root, "lib", "util.ts") {
		t.Errorf("local resolution: %+v", res)
	}

	src, err := r.Load(res)
	if err != nil || src != "export const x = 1" {
		t.Errorf("load: %q %v", src, err)
	}

	// Relative to the importing file, not the root.
	res, err = r.Resolve("./util", filepath.Join(root, "lib", "util.ts"))
	if err != nil || res.Path != filepath.Join(root, "lib", "util.ts") {
		t.Errorf("referrer-relative resolution: %+v %v", res, err)
	}
}

func TestLocalEscapeRejected(t *testing.T) {
	r, root := newTestRegistry(t)
	_, err := r.Resolve("../outside", filepath.Join(root, "main.ts"))
	herr, ok := err.(*hostcall.Error)
	if !ok || herr.Code != hostcall.CodeModuleNotFound {
		t.Errorf("escaping import should be MODULE_NOT_FOUND: %v", err)
	}
}

func TestMissingLocalModule(t *testing.T) {
	r, root := newTestRegistry(t)
	_, err := r.Resolve("./missing", filepath.Join(root, "main.ts"))
	herr, ok := err.(*hostcall.Error)
	if !ok || herr.Code != hostcall.CodeModuleNotFound {
		t.Errorf("missing local module: %v", err)
	}
}
