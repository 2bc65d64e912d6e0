package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already registered")
)

// Mirror publishes the live-session registry to an external store.
type Mirror interface {
	Put(ctx context.Context, info Info) error
	Delete(ctx context.Context, id string) error
}

// Manager tracks live sessions in process, optionally mirroring them.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	mirror   Mirror
	logger   *zap.Logger
	onRemove func(Info)
}

// NewManager returns a registry. mirror and logger may be nil.
func NewManager(mirror Mirror, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		mirror:   mirror,
		logger:   logger,
	}
}

func (m *Manager) SetRemoveHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = hook
}

func (m *Manager) Add(ctx context.Context, s *Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID()]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.publish(ctx, s.Info())
	return nil
}

// Watch registers s and removes it once its event loop has exited.
func (m *Manager) Watch(ctx context.Context, s *Session) error {
	if err := m.Add(ctx, s); err != nil {
		return err
	}
	go func() {
		<-s.Done()
		_, _ = m.remove(context.WithoutCancel(ctx), s.ID())
	}()
	return nil
}

func (m *Manager) Get(id string) (Info, error) {
	s, err := m.Session(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// Session returns the live handle for id.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots ordered by connection time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Remove closes and unregisters id.
func (m *Manager) Remove(ctx context.Context, id string) error {
	s, err := m.remove(ctx, id)
	if err != nil {
		return err
	}
	return s.Close()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State() == StateActive {
			count++
		}
	}
	return count
}

// StartJanitor periodically drops unusable sessions and refreshes the mirror
// entries of live ones.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// CloseAll closes every registered session and empties the registry.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("close session", zap.String("session", id), zap.Error(err))
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	var live []Info
	var dead []string

	m.mu.RLock()
	for id, s := range m.sessions {
		info := s.Info()
		if info.State == StateUnusable {
			dead = append(dead, id)
			continue
		}
		live = append(live, info)
	}
	m.mu.RUnlock()

	for _, id := range dead {
		_, _ = m.remove(ctx, id)
	}
	for _, info := range live {
		m.publish(ctx, info)
	}
}

func (m *Manager) remove(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, id)
	hook := m.onRemove
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Delete(ctx, id); err != nil {
			m.logger.Warn("session mirror delete failed", zap.String("session", id), zap.Error(err))
		}
	}
	if hook != nil {
		hook(s.Info())
	}
	return s, nil
}

func (m *Manager) publish(ctx context.Context, info Info) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Put(ctx, info); err != nil {
		m.logger.Warn("session mirror put failed", zap.String("session", info.ID), zap.Error(err))
	}
}
