package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPersistTimeout = 10 * time.Second

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *SessionManager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// WithPersister saves a session's record whenever its loop ends and when it is closed.
func WithPersister(p Persister) ManagerOption {
	return func(m *SessionManager) { m.persister = p }
}

// SessionManager owns the set of open sessions. Sessions are fully independent: each
// has its own executor, history and loop, and only the Decision Provider is shared.
type SessionManager struct {
	logger      *zap.Logger
	factory     ExecutorFactory
	provider    DecisionProvider
	persister   Persister
	sessionOpts []Option

	mu       sync.RWMutex
	sessions map[string]*ExecutionSession
	order    []string
	closed   bool
}

// NewSessionManager creates a manager that obtains one executor per session from factory.
func NewSessionManager(factory ExecutorFactory, provider DecisionProvider, logger *zap.Logger, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		logger:   logger.Named("session_manager"),
		factory:  factory,
		provider: provider,
		sessions: make(map[string]*ExecutionSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new Idle session with an exclusive executor and returns its id.
func (m *SessionManager) Create(ctx context.Context) (string, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("session manager is closed")
	}

	executor, err := m.factory(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire executor: %w", err)
	}

	id := uuid.NewString()
	s := NewExecutionSession(id, executor, m.provider, m.logger, m.sessionOpts...)
	s.onLoopExit = m.persist

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = executor.Close()
		return "", fmt.Errorf("session manager is closed")
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("Session created.", zap.String("session_id", id))
	return id, nil
}

// Get returns the session with the given id.
func (m *SessionManager) Get(id string) (*ExecutionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Start starts the loop of the given session.
func (m *SessionManager) Start(id, role, goal string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Start(role, goal)
}

// Stop requests the given session to stop at its next iteration boundary.
func (m *SessionManager) Stop(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// AnyRunning reports whether any session loop is active. Front-ends use it to confirm
// before shutting down.
func (m *SessionManager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.State().Active() {
			return true
		}
	}
	return false
}

// List returns a summary of every open session in creation order.
func (m *SessionManager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Info())
	}
	return out
}

// Export returns the record of the given session.
func (m *SessionManager) Export(id string) (Record, error) {
	s, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	return s.Export(), nil
}

// Import creates a session seeded from rec. If re-opening rec.TargetURL fails the session
// is kept with its restored history, and both its id and the load error are returned.
func (m *SessionManager) Import(ctx context.Context, rec Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	id, err := m.Create(ctx)
	if err != nil {
		return "", err
	}
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if err := s.Restore(ctx, rec); err != nil {
		m.logger.Warn("Imported session could not re-open its target.", zap.String("session_id", id), zap.Error(err))
		return id, err
	}
	m.logger.Info("Session imported.", zap.String("session_id", id), zap.Int("entries", len(rec.History)))
	return id, nil
}

// Close stops and releases one session and removes it from the manager.
func (m *SessionManager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	err := s.Close(ctx)
	m.persist(s)
	return err
}

// CloseAll closes every session concurrently. No session is created afterwards.
func (m *SessionManager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	// A failing close does not cancel the others.
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Close(ctx, id); err != nil {
				return fmt.Errorf("closing session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *SessionManager) persist(s *ExecutionSession) {
	if m.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := m.persister.SaveSession(ctx, s.ID(), s.Export()); err != nil {
		m.logger.Error("Failed to persist session.", zap.String("session_id", s.ID()), zap.Error(err))
	}
}
