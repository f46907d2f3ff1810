// Package policy evaluates capability decisions for host-calls. A decision is
// resolved for (extension, capability, operation): a per-extension override
// wins when present, otherwise the extension's profile supplies the value.
// Warn resolves to Allow for the operation but is logged with evidence.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/enclave/internal/observability"
)

// Capability is a named class of privileged operation subject to policy.
type Capability string

const (
	CapRead    Capability = "read"
	CapWrite   Capability = "write"
	CapHTTP    Capability = "http"
	CapEvents  Capability = "events"
	CapSession Capability = "session"
	CapUI      Capability = "ui"
	CapExec    Capability = "exec"
	CapEnv     Capability = "env"
	CapTool    Capability = "tool"
	CapLog     Capability = "log"
)

// Capabilities lists every capability, in policy-table order.
var Capabilities = []Capability{
	CapRead, CapWrite, CapHTTP, CapEvents, CapSession,
	CapUI, CapExec, CapEnv, CapTool, CapLog,
}

// Known reports whether c is a recognized capability.
func (c Capability) Known() bool {
	for _, k := range Capabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Decision is the policy outcome for a capability.
type Decision string

const (
	Allow Decision = "allow"
	Warn  Decision = "warn"
	Deny  Decision = "deny"
)

// ParseDecision converts a config string into a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Allow, Warn, Deny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown policy decision %q", s)
}

// scopeKey refines a capability for the profile tables. Read splits on the
// extension root boundary; Session splits on read vs write.
type scopeKey string

const (
	scopeReadInRoot   scopeKey = "read_in_root"
	scopeReadOutside  scopeKey = "read_outside_root"
	scopeWrite        scopeKey = "write"
	scopeExec         scopeKey = "exec"
	scopeHTTP         scopeKey = "http"
	scopeEnv          scopeKey = "env"
	scopeSessionRead  scopeKey = "session_read"
	scopeSessionWrite scopeKey = "session_write"
	scopeUI           scopeKey = "ui"
	scopeTool         scopeKey = "tool"
	scopeLog          scopeKey = "log"
	scopeEvents       scopeKey = "events"
)

// Profile is a total map from capability scope to decision.
type Profile struct {
	Name  string
	table map[scopeKey]Decision
}

// decision returns the profile's value for a scope.
func (p Profile) decision(k scopeKey) Decision {
	if d, ok := p.table[k]; ok {
		return d
	}
	// Total by construction; an unknown scope is a programming error and the
	// conservative answer is Deny.
	return Deny
}

// Built-in profiles.
var (
	Safe = Profile{Name: "safe", table: map[scopeKey]Decision{
		scopeReadInRoot:   Allow,
		scopeReadOutside:  Deny,
		scopeWrite:        Deny,
		scopeExec:         Deny,
		scopeHTTP:         Deny,
		scopeEnv:          Deny,
		scopeSessionRead:  Allow,
		scopeSessionWrite: Warn,
		scopeUI:           Allow,
		scopeTool:         Allow,
		scopeLog:          Allow,
		scopeEvents:       Allow,
	}}

	Balanced = Profile{Name: "balanced", table: map[scopeKey]Decision{
		scopeReadInRoot:   Allow,
		scopeReadOutside:  Warn,
		scopeWrite:        Warn,
		scopeExec:         Allow,
		scopeHTTP:         Allow,
		scopeEnv:          Allow,
		scopeSessionRead:  Allow,
		scopeSessionWrite: Allow,
		scopeUI:           Allow,
		scopeTool:         Allow,
		scopeLog:          Allow,
		scopeEvents:       Allow,
	}}

	Permissive = Profile{Name: "permissive", table: map[scopeKey]Decision{
		scopeReadInRoot:   Allow,
		scopeReadOutside:  Allow,
		scopeWrite:        Allow,
		scopeExec:         Allow,
		scopeHTTP:         Allow,
		scopeEnv:          Allow,
		scopeSessionRead:  Allow,
		scopeSessionWrite: Allow,
		scopeUI:           Allow,
		scopeTool:         Allow,
		scopeLog:          Allow,
		scopeEvents:       Allow,
	}}
)

// ProfileByName resolves a built-in profile identifier.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case "safe":
		return Safe, nil
	case "balanced":
		return Balanced, nil
	case "permissive":
		return Permissive, nil
	}
	return Profile{}, fmt.Errorf("unknown policy profile %q", name)
}

// Request describes one capability check.
type Request struct {
	// Extension is the calling extension's ID.
	Extension string

	// Capability being exercised.
	Capability Capability

	// Operation is the specific operation name, recorded as evidence
	// ("exec", "set_model", "read").
	Operation string

	// OutsideRoot marks Read operations that escape the extension root.
	OutsideRoot bool

	// SessionWrite marks Session operations that mutate state.
	SessionWrite bool
}

func (r Request) scope() scopeKey {
	switch r.Capability {
	case CapRead:
		if r.OutsideRoot {
			return scopeReadOutside
		}
		return scopeReadInRoot
	case CapWrite:
		return scopeWrite
	case CapExec:
		return scopeExec
	case CapHTTP:
		return scopeHTTP
	case CapEnv:
		return scopeEnv
	case CapSession:
		if r.SessionWrite {
			return scopeSessionWrite
		}
		return scopeSessionRead
	case CapUI:
		return scopeUI
	case CapTool:
		return scopeTool
	case CapLog:
		return scopeLog
	case CapEvents:
		return scopeEvents
	}
	return scopeKey(r.Capability)
}

// Result is the resolved decision plus its provenance.
type Result struct {
	Decision Decision
	// Source is "override" or the profile name.
	Source string
	// Warned is set when a Warn decision was logged for this call (first
	// occurrence per extension and capability).
	Warned bool
}

// Allowed reports whether the operation may proceed.
func (r Result) Allowed() bool { return r.Decision != Deny }

// Evaluator resolves decisions from a default profile, per-extension profile
// assignments, and per-extension capability overrides.
type Evaluator struct {
	defaultProfile Profile
	profiles       map[string]Profile                 // extension -> profile
	overrides      map[string]map[Capability]Decision // extension -> cap -> decision

	logger   *observability.Logger
	eventLog *observability.EventLog
	metrics  *observability.Metrics

	mu     sync.Mutex
	warned map[string]struct{} // extension + capability, for Warn dedup
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEventLog records Warn evidence and denials to the runtime event log.
func WithEventLog(log *observability.EventLog) Option {
	return func(e *Evaluator) { e.eventLog = log }
}

// WithMetrics counts decisions on the given metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator over the default profile.
func NewEvaluator(defaultProfile Profile, logger *observability.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	e := &Evaluator{
		defaultProfile: defaultProfile,
		profiles:       make(map[string]Profile),
		overrides:      make(map[string]map[Capability]Decision),
		logger:         logger.WithFields("component", "policy"),
		warned:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AssignProfile pins an extension to a specific profile.
func (e *Evaluator) AssignProfile(extension string, p Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[extension] = p
}

// SetOverride installs a per-extension decision for one capability.
func (e *Evaluator) SetOverride(extension string, cap Capability, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overrides[extension] == nil {
		e.overrides[extension] = make(map[Capability]Decision)
	}
	e.overrides[extension][cap] = d
}

// ProfileFor returns the profile governing an extension.
func (e *Evaluator) ProfileFor(extension string) Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[extension]; ok {
		return p
	}
	return e.defaultProfile
}

// Evaluate resolves the decision for req. Warn is logged with evidence,
// deduplicated per (extension, capability), and treated as Allow.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Result {
	e.mu.Lock()
	profile, hasProfile := e.profiles[req.Extension]
	if !hasProfile {
		profile = e.defaultProfile
	}
	override, hasOverride := e.overrides[req.Extension][req.Capability]
	e.mu.Unlock()

	res := Result{}
	if hasOverride {
		res.Decision = override
		res.Source = "override"
	} else {
		res.Decision = profile.decision(req.scope())
		res.Source = profile.Name
	}

	if e.metrics != nil {
		e.metrics.PolicyDecisions.WithLabelValues(string(req.Capability), string(res.Decision)).Inc()
	}

	switch res.Decision {
	case Warn:
		res.Warned = e.recordWarn(ctx, req, res.Source)
	case Deny:
		e.logger.Warn(ctx, "capability denied",
			"extension_id", req.Extension,
			"capability", req.Capability,
			"operation", req.Operation,
			"source", res.Source)
		if e.eventLog != nil {
			e.eventLog.Record(ctx, observability.RuntimeEvent{
				Level:       "warn",
				Event:       "policy_denied",
				Message:     string(req.Capability),
				ExtensionID: req.Extension,
				Fields: map[string]any{
					"operation": req.Operation,
					"source":    res.Source,
				},
			})
		}
	}
	return res
}

// recordWarn logs Warn evidence once per (extension, capability). Repeat
// warns still count in metrics but produce no further evidence records.
func (e *Evaluator) recordWarn(ctx context.Context, req Request, source string) bool {
	key := req.Extension + "\x00" + string(req.Capability)
	e.mu.Lock()
	if _, dup := e.warned[key]; dup {
		e.mu.Unlock()
		return false
	}
	e.warned[key] = struct{}{}
	e.mu.Unlock()

	e.logger.Warn(ctx, "capability allowed with warning",
		"extension_id", req.Extension,
		"capability", req.Capability,
		"operation", req.Operation,
		"outside_root", req.OutsideRoot,
		"source", source)
	if e.eventLog != nil {
		e.eventLog.Record(ctx, observability.RuntimeEvent{
			Level:       "warn",
			Event:       "policy_warn",
			Message:     string(req.Capability),
			ExtensionID: req.Extension,
			Fields: map[string]any{
				"operation":    req.Operation,
				"outside_root": req.OutsideRoot,
				"source":       source,
			},
		})
	}
	return true
}
