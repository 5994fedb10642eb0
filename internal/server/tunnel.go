package server

import (
	"net"

	"github.com/sxhxliang/agentx-proxy/internal/tcpconn"
	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

// handleTunnelConn implements the tunnel-port side of spec.md 4.7's tunnel
// request state machine: a freshly accepted tunnel socket must present a
// NewTunnel greeting before anything else happens on it. A greeting for an
// unknown edge or an unknown/already-resolved tunnel_id gets the socket
// closed with no state change (spec.md invariant 3).
func (s *Server) handleTunnelConn(conn net.Conn) {
	tcpconn.Tune(conn, s.log)
	reader := wire.NewReader(conn)

	msg, err := reader.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	if msg.Type != wire.TypeNewTunnel || msg.TunnelID == "" || msg.ClientID == "" {
		_ = conn.Close()
		return
	}

	registration, ok := s.registry.Lookup(msg.ClientID)
	if !ok {
		s.log.Debug().Str("client_id", msg.ClientID).Str("tunnel_id", msg.TunnelID).
			Msg("server: greeting for unknown edge, closing tunnel")
		_ = conn.Close()
		return
	}

	if !registration.ResolveGreeting(msg.TunnelID, conn) {
		s.log.Debug().Str("client_id", msg.ClientID).Str("tunnel_id", msg.TunnelID).
			Msg("server: greeting for unknown or already-resolved tunnel_id, closing")
		_ = conn.Close()
		return
	}
}
