package engine

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// ToolRegistration is one registerTool call.
type ToolRegistration struct {
	Name        string
	Description string
	Schema      map[string]any
	Run         goja.Callable
}

// CommandRegistration is one slashCommand call.
type CommandRegistration struct {
	Name        string
	Description string
	Run         goja.Callable
}

// ShortcutRegistration is one shortcut call.
type ShortcutRegistration struct {
	Name string
	Key  string
	Run  goja.Callable
}

// ProviderRegistration is one registerProvider call.
type ProviderRegistration struct {
	Name         string
	Models       []string
	StreamSimple goja.Callable
}

// FlagRegistration is one flag call.
type FlagRegistration struct {
	Name        string
	Description string
	Default     any
}

// Registrations are the host registries one extension fills during
// activation. The host application consumes them; the conformance oracle
// compares their summaries across runs.
type Registrations struct {
	mu        sync.Mutex
	Tools     []ToolRegistration
	Commands  []CommandRegistration
	Shortcuts []ShortcutRegistration
	Providers []ProviderRegistration
	Flags     []FlagRegistration
	Events    []string
}

func newRegistrations() *Registrations { return &Registrations{} }

func (r *Registrations) addTool(t ToolRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tools = append(r.Tools, t)
}

func (r *Registrations) addCommand(c CommandRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, c)
}

func (r *Registrations) addShortcut(s ShortcutRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Shortcuts = append(r.Shortcuts, s)
}

func (r *Registrations) addProvider(p ProviderRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Providers = append(r.Providers, p)
}

func (r *Registrations) addFlag(f FlagRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Flags = append(r.Flags, f)
}

func (r *Registrations) addEvent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, name)
}

// Summary is the order-independent projection used by the conformance
// oracle.
type Summary struct {
	Tools     []string `json:"tools"`
	Commands  []string `json:"commands"`
	Shortcuts []string `json:"shortcuts"`
	Providers []string `json:"providers"`
	Flags     []string `json:"flags"`
	Events    []string `json:"events"`
}

// Summarize returns sorted registration names.
func (r *Registrations) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{}
	for _, t := range r.Tools {
		s.Tools = append(s.Tools, t.Name)
	}
	for _, c := range r.Commands {
		s.Commands = append(s.Commands, c.Name)
	}
	for _, sc := range r.Shortcuts {
		s.Shortcuts = append(s.Shortcuts, sc.Name)
	}
	for _, p := range r.Providers {
		s.Providers = append(s.Providers, p.Name)
	}
	for _, f := range r.Flags {
		s.Flags = append(s.Flags, f.Name)
	}
	s.Events = append(s.Events, r.Events...)
	for _, list := range [][]string{s.Tools, s.Commands, s.Shortcuts, s.Providers, s.Flags, s.Events} {
		sort.Strings(list)
	}
	return s
}
