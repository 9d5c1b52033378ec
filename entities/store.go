package entities

import (
	"sync"

	"github.com/uitsmijter/uitsmijter/pkg/log"
)

// EventType is the change kind emitted by an entity loader.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// TenantLifecycle is notified after a tenant has been committed to or
// removed from the store. Callbacks run outside the store lock on the
// loader's goroutine.
type TenantLifecycle interface {
	TenantCreated(t Tenant)
	TenantRemoved(t Tenant)
}

// Store is the authoritative in-memory index of tenants and clients. All
// mutations come from loaders; the rest of the system only reads. Accessors
// return copies, so readers never observe a torn entity.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // keyed by name
	clients map[string]*Client // keyed by ident

	lifecycle TenantLifecycle
	// changeHook, when set, runs after every committed mutation. Used by
	// tests to synchronize with loader goroutines.
	changeHook func()

	logger log.Logger
}

// NewStore returns an empty entity store.
func NewStore(logger log.Logger) *Store {
	return &Store{
		tenants: make(map[string]*Tenant),
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// SetTenantLifecycle registers the observer for tenant create/remove events.
func (s *Store) SetTenantLifecycle(l TenantLifecycle) {
	s.mu.Lock()
	s.lifecycle = l
	s.mu.Unlock()
}

// SetChangeHook registers a hook invoked after every committed mutation.
func (s *Store) SetChangeHook(hook func()) {
	s.mu.Lock()
	s.changeHook = hook
	s.mu.Unlock()
}

// InsertTenant adds a tenant. It reports false when a tenant with the same
// name already exists or when one of its hosts is already claimed by
// another tenant; the first insert wins in both cases.
func (s *Store) InsertTenant(t Tenant) bool {
	s.mu.Lock()
	if _, ok := s.tenants[t.Name]; ok {
		s.mu.Unlock()
		s.logger.Warnf("tenant %s already exists, ignoring %s", t.Name, t.Ref)
		return false
	}
	for _, existing := range s.tenants {
		if host, overlaps := hostOverlap(existing, &t); overlaps {
			s.mu.Unlock()
			s.logger.Warnf("tenant %s claims host %s already owned by %s, ignoring %s",
				t.Name, host, existing.Name, t.Ref)
			return false
		}
	}
	copied := t
	s.tenants[t.Name] = &copied
	lifecycle, hook := s.lifecycle, s.changeHook
	s.mu.Unlock()

	s.logger.Infof("tenant %s added from %s", t.Name, t.Ref)
	if lifecycle != nil {
		lifecycle.TenantCreated(t)
	}
	if hook != nil {
		hook()
	}
	return true
}

// InsertClient adds a client. A client whose tenantname does not resolve is
// still loaded but unusable until its tenant appears.
func (s *Store) InsertClient(c Client) bool {
	s.mu.Lock()
	if _, ok := s.clients[c.Config.Ident]; ok {
		s.mu.Unlock()
		s.logger.Warnf("client %s (%s) already exists, ignoring %s", c.Name, c.Config.Ident, c.Ref)
		return false
	}
	if _, ok := s.tenants[c.Config.TenantName]; !ok {
		s.logger.Warnf("client %s references unknown tenant %s", c.Name, c.Config.TenantName)
	}
	copied := c
	s.clients[c.Config.Ident] = &copied
	hook := s.changeHook
	s.mu.Unlock()

	s.logger.Infof("client %s added from %s", c.Name, c.Ref)
	if hook != nil {
		hook()
	}
	return true
}

// RemoveTenant removes the tenant loaded from the given ref. No-op when
// nothing matches.
func (s *Store) RemoveTenant(ref Ref) {
	s.mu.Lock()
	var removed *Tenant
	for name, t := range s.tenants {
		if t.Ref.SameResource(ref) {
			removed = t
			delete(s.tenants, name)
			break
		}
	}
	lifecycle, hook := s.lifecycle, s.changeHook
	s.mu.Unlock()

	if removed == nil {
		return
	}
	s.logger.Infof("tenant %s removed (%s)", removed.Name, ref)
	if lifecycle != nil {
		lifecycle.TenantRemoved(*removed)
	}
	if hook != nil {
		hook()
	}
}

// RemoveClient removes the client loaded from the given ref. No-op when
// nothing matches.
func (s *Store) RemoveClient(ref Ref) {
	s.mu.Lock()
	var removed *Client
	for ident, c := range s.clients {
		if c.Ref.SameResource(ref) {
			removed = c
			delete(s.clients, ident)
			break
		}
	}
	hook := s.changeHook
	s.mu.Unlock()

	if removed == nil {
		return
	}
	s.logger.Infof("client %s removed (%s)", removed.Name, ref)
	if hook != nil {
		hook()
	}
}

// ReconcileTenant applies a loader event using the shared reconciliation
// rule: identical resource versions are skipped, newer versions replace.
func (s *Store) ReconcileTenant(ev EventType, t Tenant) {
	switch ev {
	case EventAdded:
		if existing, ok := s.findTenantByRef(t.Ref); ok {
			if existing.Ref.Equal(t.Ref) {
				s.logger.Debugf("tenant %s unchanged at %s, skipping", t.Name, t.Ref)
				return
			}
			s.RemoveTenant(existing.Ref)
		}
		s.InsertTenant(t)
	case EventModified:
		s.RemoveTenant(t.Ref)
		s.InsertTenant(t)
	case EventDeleted:
		s.RemoveTenant(t.Ref)
	}
}

// ReconcileClient applies a loader event for a client.
func (s *Store) ReconcileClient(ev EventType, c Client) {
	switch ev {
	case EventAdded:
		if existing, ok := s.FindClientByRef(c.Ref); ok {
			if existing.Ref.Equal(c.Ref) {
				s.logger.Debugf("client %s unchanged at %s, skipping", c.Name, c.Ref)
				return
			}
			s.RemoveClient(existing.Ref)
		}
		s.InsertClient(c)
	case EventModified:
		s.RemoveClient(c.Ref)
		s.InsertClient(c)
	case EventDeleted:
		s.RemoveClient(c.Ref)
	}
}

// FindTenantByName returns a copy of the named tenant.
func (s *Store) FindTenantByName(name string) (Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[name]
	if !ok {
		return Tenant{}, false
	}
	return *t, true
}

// FindTenantForHost returns the tenant responsible for the given host.
// Exact host entries win over wildcard entries.
func (s *Store) FindTenantForHost(host string) (Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.MatchesHost(host) {
			return *t, true
		}
	}
	return Tenant{}, false
}

// FindClientByIdent returns a copy of the client with the given client_id.
func (s *Store) FindClientByIdent(ident string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[ident]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// FindClientByRef returns the client loaded from the given ref.
func (s *Store) FindClientByRef(ref Ref) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Ref.SameResource(ref) {
			return *c, true
		}
	}
	return Client{}, false
}

func (s *Store) findTenantByRef(ref Ref) (Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Ref.SameResource(ref) {
			return *t, true
		}
	}
	return Tenant{}, false
}

// Tenants returns a copy of all tenants.
func (s *Store) Tenants() []Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, *t)
	}
	return tenants
}

// Clients returns a copy of all clients.
func (s *Store) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, *c)
	}
	return clients
}

// hostOverlap reports whether two tenants claim a common host. Wildcard
// entries overlap when either side's pattern covers one of the other side's
// entries.
func hostOverlap(a, b *Tenant) (string, bool) {
	for _, host := range b.Config.Hosts {
		if a.MatchesHost(host) {
			return host, true
		}
	}
	for _, host := range a.Config.Hosts {
		if b.MatchesHost(host) {
			return host, true
		}
	}
	return "", false
}

// ClientsForTenant returns all clients belonging to the named tenant.
func (s *Store) ClientsForTenant(tenant string) []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var clients []Client
	for _, c := range s.clients {
		if c.Config.TenantName == tenant {
			clients = append(clients, *c)
		}
	}
	return clients
}
