// Package registry tracks the control channels of connected hidden hosts.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/postalsys/hostrelay/internal/protocol"
)

// ErrHostNotFound is returned when no control channel is registered under a host id.
var ErrHostNotFound = errors.New("host not found")

// Channel is the send side of a hidden host's control channel.
type Channel interface {
	// Send delivers one message to the hidden host.
	Send(ctx context.Context, msg protocol.RelayMessage) error

	// Close terminates the channel.
	Close() error
}

// HostConnection binds a host id to its control channel.
type HostConnection struct {
	ID      string
	Channel Channel
}

// Send forwards msg over the host's control channel.
func (h *HostConnection) Send(ctx context.Context, msg protocol.RelayMessage) error {
	return h.Channel.Send(ctx, msg)
}

// Registry maps host ids to live control channels.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*HostConnection
	newID func() string
}

// New creates an empty registry that issues uuid v4 host ids.
func New() *Registry {
	return &Registry{
		hosts: make(map[string]*HostConnection),
		newID: uuid.NewString,
	}
}

// Register stores ch under a fresh host id and returns the id.
func (r *Registry) Register(ch Channel) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.hosts[id] != nil {
		id = r.newID()
	}
	r.hosts[id] = &HostConnection{ID: id, Channel: ch}
	return id
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (*HostConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[id]
	if !ok {
		return nil, ErrHostNotFound
	}
	return h, nil
}

// Unregister removes id. It reports whether the id was registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[id]; !ok {
		return false
	}
	delete(r.hosts, id)
	return true
}

// Len returns the number of connected hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// CloseAll closes every registered channel. Entries are removed by the
// owning connection loops as their channels shut down.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*HostConnection, 0, len(r.hosts))
	for _, h := range r.hosts {
		conns = append(conns, h)
	}
	r.mu.RUnlock()

	for _, h := range conns {
		h.Channel.Close()
	}
}
