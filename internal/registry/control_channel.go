package registry

import (
	"net"
	"sync"

	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

// ControlChannel is the writable half of an edge's long-lived control
// socket. Writes are serialized behind a mutex because both the pool-refill
// task and a slow-path dispatcher may want to send RequestNewTunnel on the
// same channel concurrently (spec.md 5, "Control socket write discipline").
type ControlChannel struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewControlChannel wraps conn for serialized framed writes.
func NewControlChannel(conn net.Conn) *ControlChannel {
	return &ControlChannel{conn: conn}
}

// Send writes one framed message, holding the channel's write lock for the
// duration of the write.
func (c *ControlChannel) Send(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteMessage(c.conn, m)
}

// Close closes the underlying socket.
func (c *ControlChannel) Close() error {
	return c.conn.Close()
}

// Conn exposes the underlying connection, e.g. for remote-address logging.
func (c *ControlChannel) Conn() net.Conn {
	return c.conn
}
