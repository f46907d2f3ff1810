package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/enclave/pkg/models"
)

// MemoryStore keeps sessions in process memory. It is the default store and
// the one the lab scheduler uses for deterministic runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession

	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		clock:    time.Now,
	}
}

// SetClock overrides the timestamp source for deterministic tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess := &memorySession{
		id:     id,
		labels: make(map[string]string),
		level:  models.ThinkingOff,
		clock:  s.clock,
	}
	s.sessions[id] = sess
	return sess, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memorySession struct {
	id    string
	clock func() time.Time

	mu       sync.Mutex
	name     string
	model    string
	labels   map[string]string
	level    models.ThinkingLevel
	messages []*models.Message
	updated  time.Time
}

func (m *memorySession) ID() string { return m.id }

func (m *memorySession) State(context.Context) (models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	labels := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		labels[k] = v
	}
	return models.SessionState{
		ID:            m.id,
		Name:          m.name,
		Model:         m.model,
		Labels:        labels,
		ThinkingLevel: m.level,
		MessageCount:  len(m.messages),
		UpdatedAt:     m.updated,
	}, nil
}

func (m *memorySession) Messages(_ context.Context, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

func (m *memorySession) SetName(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	m.updated = m.clock()
	return nil
}

func (m *memorySession) SetModel(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	m.updated = m.clock()
	return nil
}

func (m *memorySession) SetLabel(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.labels, key)
	} else {
		m.labels[key] = value
	}
	m.updated = m.clock()
	return nil
}

func (m *memorySession) SetThinkingLevel(_ context.Context, level models.ThinkingLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
	m.updated = m.clock()
	return nil
}

func (m *memorySession) Append(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.clock()
	}
	m.messages = append(m.messages, &copied)
	m.updated = m.clock()
	return nil
}
