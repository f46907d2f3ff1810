// Package preflight statically scans extension source before activation,
// inferring the capabilities the code will exercise and scoring its risk.
// The output is advisory under the balanced and permissive profiles and can
// gate activation under safe.
package preflight

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/enclave/internal/modules"
	"github.com/haasonsaas/enclave/internal/policy"
)

// Verdict is the scan outcome.
type Verdict string

const (
	Pass Verdict = "pass"
	Warn Verdict = "warn"
	Fail Verdict = "fail"
)

// Category classifies a finding.
type Category string

const (
	CategoryCapability Category = "capability"
	CategoryStructural Category = "structural"
	CategoryLicense    Category = "license"
)

// Finding is one observation from the scan.
type Finding struct {
	Category   Category          `json:"category"`
	Capability policy.Capability `json:"capability,omitempty"`
	Message    string            `json:"message"`
	File       string            `json:"file,omitempty"`
	Line       int               `json:"line,omitempty"`
	Weight     int               `json:"weight"`
}

// Report is the full preflight result for one extension.
type Report struct {
	Verdict   Verdict   `json:"verdict"`
	Findings  []Finding `json:"findings"`
	RiskScore int       `json:"risk_score"`

	// Capabilities the source implies, merged with the manifest's declared
	// set by the manager.
	Capabilities []string `json:"capabilities"`
}

// pattern couples a source regex with the finding it produces.
type pattern struct {
	re         *regexp.Regexp
	capability policy.Capability
	message    string
	weight     int
}

var capabilityPatterns = []pattern{
	{regexp.MustCompile(`\bchild_process\b|\bspawnSync?\s*\(|\bexecSync?\s*\(`), policy.CapExec, "spawns child process", 30},
	{regexp.MustCompile(`\bapi\s*\.\s*exec\s*\(`), policy.CapExec, "invokes exec host-call", 20},
	{regexp.MustCompile(`\bfetch\s*\(|\bapi\s*\.\s*http\s*\(|require\s*\(\s*["'](?:node:)?https?["']`), policy.CapHTTP, "performs HTTP requests", 15},
	{regexp.MustCompile(`\bprocess\s*\.\s*env\b`), policy.CapEnv, "reads process environment", 10},
	{regexp.MustCompile(`readFileSync?\s*\(\s*["'](?:\.\./|/)`), policy.CapRead, "reads outside extension root", 25},
	{regexp.MustCompile(`\bwriteFileSync?\s*\(|\bapi\s*\.\s*tool\s*\(\s*["']write["']`), policy.CapWrite, "writes to the filesystem", 15},
	{regexp.MustCompile(`\bapi\s*\.\s*session\s*\.\s*set`), policy.CapSession, "mutates session state", 5},
}

var structuralPatterns = []pattern{
	{regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(`), "", "dynamically evaluates code", 25},
	{regexp.MustCompile(`import\s*\(\s*[^"'\s]`), "", "computed dynamic import", 15},
}

var importRE = regexp.MustCompile(`(?:import\s+(?:[^"']*\s+from\s+)?|require\s*\(\s*)["']([^"']+)["']`)

var sourceExtensions = map[string]bool{".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true}

// Analyzer runs preflight scans.
type Analyzer struct {
	// FailThreshold is the risk score at or above which the verdict is
	// Fail. Default 60.
	FailThreshold int

	// WarnThreshold is the risk score at or above which the verdict is
	// Warn. Default 20.
	WarnThreshold int
}

// New creates an analyzer with default thresholds.
func New() *Analyzer {
	return &Analyzer{FailThreshold: 60, WarnThreshold: 20}
}

// Analyze scans every source file under root.
func (a *Analyzer) Analyze(root string) (*Report, error) {
	report := &Report{Verdict: Pass}
	caps := map[policy.Capability]bool{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".") {
				if path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(path)] {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if err := a.scanFile(path, rel, report, caps); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("preflight scan: %w", err)
	}

	a.checkLicense(root, report)

	for cap := range caps {
		report.Capabilities = append(report.Capabilities, string(cap))
	}
	sort.Strings(report.Capabilities)

	for _, f := range report.Findings {
		report.RiskScore += f.Weight
	}
	switch {
	case a.hasStructuralFailure(report) || report.RiskScore >= a.FailThreshold:
		report.Verdict = Fail
	case report.RiskScore >= a.WarnThreshold:
		report.Verdict = Warn
	}
	return report, nil
}

func (a *Analyzer) scanFile(path, rel string, report *Report, caps map[policy.Capability]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		for _, p := range capabilityPatterns {
			if p.re.MatchString(line) && !seen[p.message] {
				seen[p.message] = true
				caps[p.capability] = true
				report.Findings = append(report.Findings, Finding{
					Category:   CategoryCapability,
					Capability: p.capability,
					Message:    p.message,
					File:       rel,
					Line:       lineNo,
					Weight:     p.weight,
				})
			}
		}
		for _, p := range structuralPatterns {
			if p.re.MatchString(line) && !seen[p.message] {
				seen[p.message] = true
				report.Findings = append(report.Findings, Finding{
					Category: CategoryStructural,
					Message:  p.message,
					File:     rel,
					Line:     lineNo,
					Weight:   p.weight,
				})
			}
		}
		for _, match := range importRE.FindAllStringSubmatch(line, -1) {
			specifier := match[1]
			if a.unknownBareSpecifier(specifier) && !seen["import:"+specifier] {
				seen["import:"+specifier] = true
				report.Findings = append(report.Findings, Finding{
					Category: CategoryStructural,
					Message:  fmt.Sprintf("requires an unknown bare specifier %q", specifier),
					File:     rel,
					Line:     lineNo,
					Weight:   40,
				})
			}
		}
	}
	return scanner.Err()
}

// unknownBareSpecifier reports whether specifier would fail module
// resolution at load time.
func (a *Analyzer) unknownBareSpecifier(specifier string) bool {
	if strings.HasPrefix(specifier, ".") || strings.HasPrefix(specifier, "/") {
		return false
	}
	if strings.Contains(specifier, "://") {
		return true
	}
	if modules.IsBuiltin(specifier) {
		return false
	}
	// Known-package stubs resolve; anything else will MODULE_NOT_FOUND.
	reg := modules.NewRegistry(".")
	_, err := reg.Resolve(specifier, "")
	return err != nil
}

func (a *Analyzer) hasStructuralFailure(report *Report) bool {
	for _, f := range report.Findings {
		if f.Category == CategoryStructural && strings.HasPrefix(f.Message, "requires an unknown bare specifier") {
			return true
		}
	}
	return false
}

func (a *Analyzer) checkLicense(root string, report *Report) {
	for _, name := range []string{"LICENSE", "LICENSE.md", "LICENSE.txt"} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return
		}
	}
	report.Findings = append(report.Findings, Finding{
		Category: CategoryLicense,
		Message:  "no license file present",
		Weight:   0,
	})
}

// Gate reports whether the verdict blocks activation under the given
// profile. Only safe gates on preflight.
func Gate(verdict Verdict, profile policy.Profile) bool {
	return profile.Name == "safe" && verdict == Fail
}
