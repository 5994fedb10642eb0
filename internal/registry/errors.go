package registry

import "github.com/pkg/errors"

var (
	// ErrEdgeReplaced is delivered to every outstanding waiter of a
	// registration that has just been superseded by a new Register for the
	// same client_id.
	ErrEdgeReplaced = errors.New("registry: edge registration replaced")
	// ErrEdgeGone is delivered to outstanding waiters when a registration's
	// control socket closes or is explicitly unregistered.
	ErrEdgeGone = errors.New("registry: edge control socket closed")
	// ErrWaiterTimedOut names a tunnel request whose deadline elapsed before
	// a greeting arrived. No function in this package returns it; callers
	// that time out retire the waiter with DropWaiter.
	ErrWaiterTimedOut = errors.New("registry: tunnel request timed out")
	// ErrDuplicateTunnelID is returned by RequestTunnel if the caller
	// manages to reuse a tunnel_id within the same registration's lifetime.
	ErrDuplicateTunnelID = errors.New("registry: tunnel_id already outstanding")
	// ErrUnknownEdge names a client_id with no registration. Lookup reports
	// that case through its bool result and does not return this error.
	ErrUnknownEdge = errors.New("registry: unknown client_id")
)
