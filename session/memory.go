package session

import (
	"context"
	"sync"
	"time"

	"github.com/uitsmijter/uitsmijter/pkg/log"
)

var _ Store = (*memoryStore)(nil)

type sessionKey struct {
	typ  Type
	code string
}

// memoryStore is the in-process backend. A single mutex owns all state;
// expiry is driven by one timer armed for the nearest absolute expiry, so
// the timer count stays bounded and nothing polls the clock.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[sessionKey]AuthSession
	logins   map[string]LoginSession
	timer    *time.Timer
	closed   bool

	now    func() time.Time
	logger log.Logger
}

// NewMemoryStore returns an in-process session store.
func NewMemoryStore(logger log.Logger) Store {
	return &memoryStore{
		sessions: make(map[sessionKey]AuthSession),
		logins:   make(map[string]LoginSession),
		now:      time.Now,
		logger:   logger,
	}
}

func (m *memoryStore) Set(_ context.Context, s AuthSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{s.Type, s.Code}
	if _, ok := m.sessions[key]; ok {
		return ErrCodeTaken
	}
	m.sessions[key] = s
	m.reschedule()
	return nil
}

func (m *memoryStore) Get(_ context.Context, typ Type, code string, remove bool) (AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{typ, code}
	s, ok := m.sessions[key]
	if !ok {
		return AuthSession{}, ErrNotFound
	}
	if !m.now().Before(s.ExpiresAt()) {
		delete(m.sessions, key)
		m.reschedule()
		return AuthSession{}, ErrNotFound
	}
	if remove {
		delete(m.sessions, key)
		m.reschedule()
	}
	return s, nil
}

func (m *memoryStore) Delete(_ context.Context, typ Type, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{typ, code}
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	m.reschedule()
	return nil
}

func (m *memoryStore) Push(_ context.Context, ls LoginSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[ls.ID] = ls
	m.reschedule()
	return nil
}

func (m *memoryStore) Pull(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.logins[id]
	if !ok {
		return false, nil
	}
	delete(m.logins, id)
	if !m.now().Before(ls.CreatedAt.Add(LoginSessionTTL)) {
		return false, nil
	}
	return true, nil
}

func (m *memoryStore) Wipe(_ context.Context, tenant, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		if s.Payload == nil {
			continue
		}
		if s.Payload.Tenant == tenant && s.Payload.Subject == subject {
			delete(m.sessions, key)
		}
	}
	m.reschedule()
	return nil
}

func (m *memoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) + len(m.logins), nil
}

func (m *memoryStore) CountForTenant(_ context.Context, tenant string, typ Type) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, s := range m.sessions {
		if key.typ != typ || s.Payload == nil {
			continue
		}
		if s.Payload.Tenant == tenant {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) CountForClient(_ context.Context, clientName string, typ Type) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, s := range m.sessions {
		if key.typ != typ || s.Payload == nil {
			continue
		}
		if s.Payload.Audience.Contains(clientName) {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) IsHealthy(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return nil
}

// reschedule arms the eviction timer for the nearest upcoming expiry.
// Callers must hold m.mu.
func (m *memoryStore) reschedule() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.closed {
		return
	}
	var next time.Time
	for _, s := range m.sessions {
		if exp := s.ExpiresAt(); next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	for _, ls := range m.logins {
		if exp := ls.CreatedAt.Add(LoginSessionTTL); next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	if next.IsZero() {
		return
	}
	m.timer = time.AfterFunc(time.Until(next), m.evict)
}

func (m *memoryStore) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.now()
	for key, s := range m.sessions {
		if !now.Before(s.ExpiresAt()) {
			delete(m.sessions, key)
			m.logger.Debugf("session %s/%s expired", key.typ, key.code)
		}
	}
	for id, ls := range m.logins {
		if !now.Before(ls.CreatedAt.Add(LoginSessionTTL)) {
			delete(m.logins, id)
		}
	}
	m.reschedule()
}
