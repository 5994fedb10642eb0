package registry

import "net"

// PendingTunnel is a usable tunnel socket, greeted by the edge and not yet
// consumed by a public connection.
type PendingTunnel struct {
	ID   string
	Conn net.Conn
}

// purpose records why a RequestNewTunnel was sent, so pool-refill deficit
// accounting can tell pool-bound requests apart from dispatcher-bound ones.
type purpose int

const (
	purposePoolRefill purpose = iota
	purposeDispatch
)

// tunnelResult is delivered at most once on a waiter's channel: either a
// greeted tunnel, or the teardown cause (edge replaced/gone). A waiter
// retired with DropWaiter receives nothing.
type tunnelResult struct {
	tunnel *PendingTunnel
	err    error
}

type waiterEntry struct {
	purpose purpose
	ch      chan tunnelResult
}
