package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"memecraft-jobsync/internal/models"
)

// Manager owns one session per job kind.
type Manager struct {
	mu       sync.RWMutex
	sessions map[models.Kind]*Session
}

// NewManager groups sessions by kind. Duplicate kinds are rejected.
func NewManager(sessions ...*Session) (*Manager, error) {
	m := &Manager{sessions: make(map[models.Kind]*Session, len(sessions))}
	for _, s := range sessions {
		if _, dup := m.sessions[s.Kind()]; dup {
			return nil, fmt.Errorf("duplicate session for kind %s", s.Kind())
		}
		m.sessions[s.Kind()] = s
	}
	return m, nil
}

// Get returns the session for kind.
func (m *Manager) Get(kind models.Kind) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[kind]
	return s, ok
}

// Kinds lists managed kinds in stable order.
func (m *Manager) Kinds() []models.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Kind, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start subscribes every session. Sessions already started are closed on failure.
func (m *Manager) Start(ctx context.Context) error {
	var started []*Session
	for _, kind := range m.Kinds() {
		s, _ := m.Get(kind)
		if err := s.Start(ctx); err != nil {
			for _, prev := range started {
				prev.Close()
			}
			return err
		}
		started = append(started, s)
	}
	return nil
}

// Run drives every session loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range m.Kinds() {
		s, _ := m.Get(kind)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
	wg.Wait()
}

// Close tears down every session.
func (m *Manager) Close() {
	for _, kind := range m.Kinds() {
		s, _ := m.Get(kind)
		s.Close()
	}
}
