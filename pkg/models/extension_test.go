package models

import "testing"

func TestExtensionTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   LoadState
		to     LoadState
		wantOK bool
	}{
		{"discover to preflight", StateDiscovered, StatePreflighted, true},
		{"preflight to load", StatePreflighted, StateLoading, true},
		{"load to active", StateLoading, StateActive, true},
		{"active to draining", StateActive, StateDraining, true},
		{"draining to unloaded", StateDraining, StateUnloaded, true},
		{"failed retries load", StateFailed, StateLoading, true},
		{"unloaded reloads", StateUnloaded, StateLoading, true},
		{"active cannot re-enter loading", StateActive, StateLoading, false},
		{"discovered cannot skip to active", StateDiscovered, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Extension{ID: "x", State: tt.from}
			err := e.Transition(tt.to)
			if tt.wantOK && err != nil {
				t.Fatalf("expected transition to succeed: %v", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("expected transition to fail")
				}
				if e.State != tt.from {
					t.Errorf("failed transition must not mutate state: %s", e.State)
				}
				return
			}
			if e.State != tt.to {
				t.Errorf("state not updated: %s", e.State)
			}
		})
	}
}

func TestValidThinkingLevel(t *testing.T) {
	for _, ok := range []string{"off", "low", "medium", "high"} {
		if !ValidThinkingLevel(ok) {
			t.Errorf("%q should be valid", ok)
		}
	}
	if ValidThinkingLevel("ultra") {
		t.Error("unknown level should be invalid")
	}
}
