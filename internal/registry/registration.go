package registry

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

// Registration is the server's live state for one connected edge. It is
// created when the first Register message arrives on a new control socket
// and torn down when that socket closes or a replacement registration
// supersedes it.
type Registration struct {
	ClientID string
	Control  *ControlChannel

	log *zerolog.Logger

	mu              sync.Mutex
	pool            []*PendingTunnel
	pendingRequests map[string]*waiterEntry
	targetPoolSize  uint
	closed          bool
}

// NewRegistration constructs a live registration for clientID over ctrl.
func NewRegistration(clientID string, ctrl *ControlChannel, targetPoolSize uint, log *zerolog.Logger) *Registration {
	return &Registration{
		ClientID:        clientID,
		Control:         ctrl,
		log:             log,
		pendingRequests: make(map[string]*waiterEntry),
		targetPoolSize:  targetPoolSize,
	}
}

// PoolDepth returns the number of idle tunnels currently pooled.
func (r *Registration) PoolDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// TargetPoolSize returns the desired idle pool depth.
func (r *Registration) TargetPoolSize() uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetPoolSize
}

// outstandingRefillRequests counts pending requests issued for pool-refill
// purposes, used by the refill task to avoid over-requesting while earlier
// requests are still outstanding.
func (r *Registration) outstandingRefillRequests() int {
	n := 0
	for _, w := range r.pendingRequests {
		if w.purpose == purposePoolRefill {
			n++
		}
	}
	return n
}

// PopPool removes and returns the head of the idle pool (FIFO), the fast
// path for a public dispatch. ok is false if the pool is empty.
func (r *Registration) PopPool() (tunnel *PendingTunnel, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) == 0 {
		return nil, false
	}
	tunnel = r.pool[0]
	r.pool = r.pool[1:]
	return tunnel, true
}

// RequestTunnel allocates a fresh TunnelId, registers a one-shot waiter for
// it, sends RequestNewTunnel on the control channel, and returns the
// tunnel_id plus a channel the caller reads exactly once.
//
// It returns ErrEdgeGone if the registration has already been torn down.
func (r *Registration) RequestTunnel(forPool bool) (tunnelID string, wait <-chan tunnelResult, err error) {
	id := uuid.NewString()
	ch := make(chan tunnelResult, 1)

	p := purposeDispatch
	if forPool {
		p = purposePoolRefill
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, ErrEdgeGone
	}
	if _, exists := r.pendingRequests[id]; exists {
		r.mu.Unlock()
		return "", nil, ErrDuplicateTunnelID
	}
	r.pendingRequests[id] = &waiterEntry{purpose: p, ch: ch}
	r.mu.Unlock()

	if sendErr := r.Control.Send(wire.RequestNewTunnel(id)); sendErr != nil {
		r.mu.Lock()
		delete(r.pendingRequests, id)
		r.mu.Unlock()
		return "", nil, sendErr
	}
	return id, ch, nil
}

// ResolveGreeting matches an arriving NewTunnel greeting against an
// outstanding waiter and delivers the tunnel socket to it. ok is false if
// tunnelID has no outstanding waiter (unknown tunnel_id, or a duplicate
// greeting for one already resolved); the caller must close conn and make
// no further state change, per spec.md invariant 3.
func (r *Registration) ResolveGreeting(tunnelID string, conn net.Conn) (ok bool) {
	r.mu.Lock()
	w, exists := r.pendingRequests[tunnelID]
	if exists {
		delete(r.pendingRequests, tunnelID)
	}
	r.mu.Unlock()
	if !exists {
		return false
	}
	w.ch <- tunnelResult{tunnel: &PendingTunnel{ID: tunnelID, Conn: conn}}
	return true
}

// DropWaiter removes a waiter that the caller has given up on (its own
// timeout elapsed). It is a no-op if the waiter was already resolved or
// already dropped, so the eventually-arriving greeting (if any) is treated
// as unknown and its socket closed rather than delivered or pooled.
func (r *Registration) DropWaiter(tunnelID string) {
	r.mu.Lock()
	delete(r.pendingRequests, tunnelID)
	r.mu.Unlock()
}

// PushPool deposits a freshly greeted tunnel into the idle pool. Used by the
// refill task once a pool-purpose waiter resolves.
func (r *Registration) PushPool(t *PendingTunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = t.Conn.Close()
		return
	}
	r.pool = append(r.pool, t)
}

// RefillDeficit reports how many additional RequestNewTunnel messages the
// refill task should issue right now to close the gap to TargetPoolSize,
// accounting for pool-purpose requests already in flight.
func (r *Registration) RefillDeficit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	have := len(r.pool) + r.outstandingRefillRequests()
	deficit := int(r.targetPoolSize) - have
	if deficit < 0 {
		return 0
	}
	return deficit
}

// TearDown closes the control channel, drains and closes every pooled
// tunnel, and fails every outstanding waiter with cause. It is idempotent.
func (r *Registration) TearDown(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pool := r.pool
	r.pool = nil
	waiters := r.pendingRequests
	r.pendingRequests = make(map[string]*waiterEntry)
	r.mu.Unlock()

	_ = r.Control.Close()

	for _, t := range pool {
		_ = t.Conn.Close()
	}
	for _, w := range waiters {
		w.ch <- tunnelResult{err: cause}
	}
	r.log.Info().Str("client_id", r.ClientID).Err(cause).Msg("registry: registration torn down")
}
