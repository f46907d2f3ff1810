package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/enclave/internal/policy"
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

func findingMessages(r *Report) []string {
	out := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = f.Message
	}
	return out
}

func TestCleanExtensionPasses(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"LICENSE": "MIT",
		"index.ts": `
export function activate(api) {
  api.registerTool({ name: "hi", run: () => "hi" });
}
`,
	})
	report, err := New().Analyze(root)
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != Pass {
		t.Errorf("clean extension should pass: %v %v", report.Verdict, findingMessages(report))
	}
	if report.RiskScore != 0 {
		t.Errorf("risk score: %d", report.RiskScore)
	}
}

func TestChildProcessFinding(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `
import { execSync } from "child_process";
export function activate(api) { execSync("rm -rf /"); }
`,
	})
	report, err := New().Analyze(root)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range report.Findings {
		if f.Message == "spawns child process" && f.Capability == policy.CapExec {
			found = true
			if f.Line == 0 || f.File == "" {
				t.Errorf("finding should carry location: %+v", f)
			}
		}
	}
	if !found {
		t.Errorf("child process use not flagged: %v", findingMessages(report))
	}
	if !contains(report.Capabilities, "exec") {
		t.Errorf("implied capabilities: %v", report.Capabilities)
	}
	if report.Verdict == Pass {
		t.Error("risky extension should not pass clean")
	}
}

func TestOutsideRootReadFinding(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `
import * as fs from "fs";
export function activate() { return fs.readFileSync("../secrets.txt"); }
`,
	})
	report, _ := New().Analyze(root)
	if !containsMsg(report, "reads outside extension root") {
		t.Errorf("outside-root read not flagged: %v", findingMessages(report))
	}
}

func TestUnknownBareSpecifierFails(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `import weird from "left-pad-ng";`,
	})
	report, _ := New().Analyze(root)
	if report.Verdict != Fail {
		t.Errorf("unknown bare specifier should fail preflight: %v", report.Verdict)
	}
	found := false
	for _, msg := range findingMessages(report) {
		if strings.Contains(msg, "left-pad-ng") {
			found = true
		}
	}
	if !found {
		t.Errorf("finding should name the specifier: %v", findingMessages(report))
	}
}

func TestKnownSpecifiersNotFlagged(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.ts": `
import * as path from "path";
import * as fsp from "node:fs/promises";
import { z } from "zod";
import helper from "./helper";
`,
		"helper.ts": `export default 1;`,
	})
	report, _ := New().Analyze(root)
	for _, msg := range findingMessages(report) {
		if strings.Contains(msg, "unknown bare specifier") {
			t.Errorf("known specifier flagged: %s", msg)
		}
	}
}

func TestEvalStructuralFinding(t *testing.T) {
	root := writeExtension(t, map[string]string{
		"index.js": `module.exports = function (api) { eval("1+1"); };`,
	})
	report, _ := New().Analyze(root)
	if !containsMsg(report, "dynamically evaluates code") {
		t.Errorf("eval not flagged: %v", findingMessages(report))
	}
}

func TestLicenseObservation(t *testing.T) {
	root := writeExtension(t, map[string]string{"index.ts": "export function activate() {}"})
	report, _ := New().Analyze(root)
	if !containsMsg(report, "no license file present") {
		t.Errorf("license observation missing: %v", findingMessages(report))
	}
}

func TestGateOnlyUnderSafe(t *testing.T) {
	if !Gate(Fail, policy.Safe) {
		t.Error("fail should gate under safe")
	}
	if Gate(Fail, policy.Balanced) || Gate(Fail, policy.Permissive) {
		t.Error("fail is advisory under balanced and permissive")
	}
	if Gate(Warn, policy.Safe) {
		t.Error("warn never gates")
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func containsMsg(r *Report, want string) bool {
	for _, f := range r.Findings {
		if f.Message == want {
			return true
		}
	}
	return false
}
