// Package registry implements the server-side mapping from client_id to
// live edge registration: the tunnel pool, pending tunnel requests, and the
// replace/evict semantics spec.md requires.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the process-wide concurrent map from client_id to
// Registration. The zero value is not usable; construct with New.
type Registry struct {
	log *zerolog.Logger

	mu       sync.RWMutex
	byClient map[string]*Registration
}

// New builds an empty Registry.
func New(log *zerolog.Logger) *Registry {
	return &Registry{
		log:      log,
		byClient: make(map[string]*Registration),
	}
}

// Register installs a new Registration for clientID, tearing down any prior
// registration for the same client_id. Replacement, not rejection, is
// intentional: a crashed edge that reconnects must not be locked out by its
// own stale entry.
func (r *Registry) Register(clientID string, ctrl *ControlChannel, targetPoolSize uint) *Registration {
	reg := NewRegistration(clientID, ctrl, targetPoolSize, r.log)

	r.mu.Lock()
	old, existed := r.byClient[clientID]
	r.byClient[clientID] = reg
	r.mu.Unlock()

	if existed {
		old.TearDown(ErrEdgeReplaced)
	}
	return reg
}

// Lookup returns the live registration for clientID, if any.
func (r *Registry) Lookup(clientID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byClient[clientID]
	return reg, ok
}

// Unregister removes clientID's registration only if it is still owned by
// ctrl, preventing a late disconnect of a replaced control socket from
// clobbering the registration that replaced it. It tears down the removed
// registration with ErrEdgeGone.
func (r *Registry) Unregister(clientID string, ctrl *ControlChannel) bool {
	r.mu.Lock()
	cur, ok := r.byClient[clientID]
	if !ok || cur.Control != ctrl {
		r.mu.Unlock()
		return false
	}
	delete(r.byClient, clientID)
	r.mu.Unlock()

	cur.TearDown(ErrEdgeGone)
	return true
}

// Snapshot returns every currently registered Registration, for the
// pool-refill task to iterate without holding the registry lock while it
// talks to each edge's control channel.
func (r *Registry) Snapshot() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.byClient))
	for _, reg := range r.byClient {
		out = append(out, reg)
	}
	return out
}

// Len reports the number of live registrations, used by metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}
