package conn

import (
	"errors"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrDuplicateName = errors.New("connection name already registered")
)

// Registry maps connection names to Managers. It is owned by the
// application's composition root; there is no package-level instance.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Manager),
	}
}

// Register adds a named Manager. Names are unique.
func (r *Registry) Register(name string, m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[name]; exists {
		return ErrDuplicateName
	}
	r.conns[name] = m

	return nil
}

// Get returns the Manager registered under name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[name]
	return m, ok
}

// Remove unregisters a name without disconnecting it. Returns the
// removed Manager so the caller can shut it down.
func (r *Registry) Remove(name string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[name]
	if ok {
		delete(r.conns, name)
	}

	return m, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DisconnectAll cleanly disconnects every registered Manager.
func (r *Registry) DisconnectAll(reason string) {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.conns))
	for _, m := range r.conns {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		m.Disconnect(websocket.CloseNormalClosure, reason)
	}
}
