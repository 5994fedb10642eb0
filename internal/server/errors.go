package server

import "github.com/pkg/errors"

var (
	// ErrUnknownEdge is returned when a public connection's token does not
	// match any registered client_id.
	ErrUnknownEdge = errors.New("server: unknown edge for token")
	// ErrNoTunnelAvailable is returned when the slow path times out or the
	// edge disconnects mid-wait.
	ErrNoTunnelAvailable = errors.New("server: no tunnel became available")
)
