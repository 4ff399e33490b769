// Package registry tracks the server's view of connected agents: who is
// connected, what service each connection registered, and how to reach
// its outbound send queue. It is a pure data structure; callers do the
// logging and the I/O.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tunnelmesh/tunnelmesh/wire"
)

// ErrNotFound is returned by lookups that require the entry to exist.
var ErrNotFound = errors.New("registry entry not found")

// Sender delivers control frames to one agent connection. The concrete
// implementation is the connection's write-pump queue; registry only
// stores it.
type Sender interface {
	Send(msg wire.Message) error
}

// ConnectionInfo is the live state kept per agent connection.
type ConnectionInfo struct {
	ID            uuid.UUID
	ServiceName   string
	Host          string
	Port          uint16
	LastHeartbeat time.Time
	Attributes    map[string]string
}

// Registry guards three maps with one reader-preferred lock. Every
// method is a single short critical section; nothing borrowed escapes
// the lock and no I/O happens under it.
type Registry struct {
	mu            sync.RWMutex
	connections   map[uuid.UUID]ConnectionInfo
	registrations map[uuid.UUID]wire.ServiceRegistration
	senders       map[uuid.UUID]Sender
}

func New() *Registry {
	return &Registry{
		connections:   make(map[uuid.UUID]ConnectionInfo),
		registrations: make(map[uuid.UUID]wire.ServiceRegistration),
		senders:       make(map[uuid.UUID]Sender),
	}
}

// RegisterConnection stores the sender for a freshly accepted connection.
func (r *Registry) RegisterConnection(connectionID uuid.UUID, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[connectionID] = sender
}

// RemoveConnection purges the connection from all three maps. Every
// registration owned by the connection is gone once this returns.
func (r *Registry) RemoveConnection(connectionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
	delete(r.registrations, connectionID)
	delete(r.senders, connectionID)
}

// RegisterService records the registration under the owning connection
// id, overwriting whatever id the agent supplied. A connection owns at
// most one registration; a later registration replaces the earlier one.
func (r *Registry) RegisterService(connectionID uuid.UUID, registration wire.ServiceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[connectionID] = ConnectionInfo{
		ID:            connectionID,
		ServiceName:   registration.ServiceName,
		Host:          registration.Host,
		Port:          registration.Port,
		LastHeartbeat: time.Now(),
		Attributes:    registration.Attributes,
	}

	registration.ID = connectionID
	r.registrations[connectionID] = registration
}

// DeregisterService removes the registration and its connection info.
// The sender stays; the connection itself is still alive.
func (r *Registry) DeregisterService(serviceID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrations, serviceID)
	delete(r.connections, serviceID)
}

// UpdateHeartbeat advances the connection's last-heartbeat time.
func (r *Registry) UpdateHeartbeat(connectionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.connections[connectionID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "connection %s", connectionID)
	}
	info.LastHeartbeat = time.Now()
	r.connections[connectionID] = info
	return nil
}

// ConnectionSender returns the sender registered for the connection.
func (r *Registry) ConnectionSender(connectionID uuid.UUID) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[connectionID]
	return sender, ok
}

// Connections returns a snapshot of all connection info.
func (r *Registry) Connections() map[uuid.UUID]ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]ConnectionInfo, len(r.connections))
	for id, info := range r.connections {
		out[id] = info
	}
	return out
}

// Registrations returns a snapshot of all service registrations.
func (r *Registry) Registrations() map[uuid.UUID]wire.ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]wire.ServiceRegistration, len(r.registrations))
	for id, reg := range r.registrations {
		out[id] = reg
	}
	return out
}

// ConnectionCount reports how many connections hold a registration entry.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// RegistrationCount reports how many registrations are live.
func (r *Registry) RegistrationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registrations)
}
