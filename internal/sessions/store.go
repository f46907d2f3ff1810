// Package sessions owns conversation state on behalf of the host. Extensions
// never touch it directly: they read an immutable snapshot view and mutate
// through typed operations that the host applies atomically.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/enclave/pkg/models"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("sessions: not found")

// Handle is one session as seen by the host-call dispatcher. All writes are
// atomic: a reader observes either the state before a write or after it,
// never a partial update.
type Handle interface {
	// ID returns the session's stable identifier.
	ID() string

	// State returns an immutable snapshot of the session.
	State(ctx context.Context) (models.SessionState, error)

	// Messages returns up to limit most recent messages, oldest first.
	// limit <= 0 returns everything.
	Messages(ctx context.Context, limit int) ([]*models.Message, error)

	// SetName renames the session.
	SetName(ctx context.Context, name string) error

	// SetModel switches the session's active model.
	SetModel(ctx context.Context, model string) error

	// SetLabel sets one label key to a value. Empty value deletes the key.
	SetLabel(ctx context.Context, key, value string) error

	// SetThinkingLevel adjusts the reasoning-depth setting.
	SetThinkingLevel(ctx context.Context, level models.ThinkingLevel) error

	// Append adds a message to the history.
	Append(ctx context.Context, msg *models.Message) error
}

// Store creates and resolves session handles.
type Store interface {
	// GetOrCreate returns the handle for id, creating an empty session on
	// first use.
	GetOrCreate(ctx context.Context, id string) (Handle, error)

	// Get returns the handle for an existing session.
	Get(ctx context.Context, id string) (Handle, error)

	// Close releases backing resources.
	Close() error
}
