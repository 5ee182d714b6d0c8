// Package registry tracks the agent connections currently registered with the hub.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentbridge/internal/domain"
)

// Registry holds registered connections keyed by caller-supplied id.
// It is in-memory only and starts empty every time the hub starts.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*domain.AgentConnection
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*domain.AgentConnection),
		now:    time.Now,
		logger: logger,
	}
}

// Register adds a connection. A second registration under a live id fails
// with ErrDuplicateRegistration and leaves the existing entry untouched.
func (r *Registry) Register(id string, t domain.Transport, remoteAddr string) (domain.AgentConnection, error) {
	if id == "" {
		return domain.AgentConnection{}, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrInvalidInput, "empty connection id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return domain.AgentConnection{}, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrDuplicateRegistration, id)
	}
	now := r.now()
	conn := &domain.AgentConnection{
		ID:           id,
		Transport:    t,
		RemoteAddr:   remoteAddr,
		RegisteredAt: now,
		LastActivity: now,
	}
	r.conns[id] = conn
	r.logger.Debug("connection registered", "conn_id", id)
	return *conn, nil
}

// Unregister removes id. It reports whether an entry was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	r.logger.Debug("connection unregistered", "conn_id", id)
	return true
}

// UnregisterIf removes id only when it is still bound to t. The hub uses this
// so a late cleanup of a dead socket cannot evict a newer registration that
// reused the same id.
func (r *Registry) UnregisterIf(id string, t domain.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok || c.Transport != t {
		return false
	}
	delete(r.conns, id)
	return true
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (domain.AgentConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.AgentConnection{}, domain.NewSubSystemError("registry", "Registry.Lookup", domain.ErrNotFound, id)
	}
	return *c, nil
}

// Touch refreshes the last-activity timestamp of id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.LastActivity = r.now()
	}
	r.mu.Unlock()
}

// All returns every registered connection sorted by id.
func (r *Registry) All() []domain.AgentConnection {
	r.mu.RLock()
	out := make([]domain.AgentConnection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stale returns connections whose last activity is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []domain.AgentConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.AgentConnection
	for _, c := range r.conns {
		if c.LastActivity.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
