package server

import (
	"io"
	"net"

	"github.com/sxhxliang/agentx-proxy/internal/registry"
	"github.com/sxhxliang/agentx-proxy/internal/tcpconn"
	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

// handleControlConn implements the control-channel state machine from
// spec.md 4.7: AwaitRegister -> Registered -> Closed. Only a well-formed
// Register with a non-empty client_id advances past AwaitRegister; every
// other input there terminates the connection.
func (s *Server) handleControlConn(conn net.Conn) {
	tcpconn.Tune(conn, s.log)
	reader := wire.NewReader(conn)

	msg, err := reader.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	if msg.Type != wire.TypeRegister || msg.ClientID == "" {
		// An empty client_id is RegistrationRejected and gets a
		// RegisterResult(false) before the close; an unexpected first
		// message is a framing error and gets no reply.
		if msg.Type == wire.TypeRegister {
			_ = wire.WriteMessage(conn, wire.RegisterResult(false, "empty client_id"))
		}
		_ = conn.Close()
		return
	}

	ctrl := registry.NewControlChannel(conn)
	s.registry.Register(msg.ClientID, ctrl, s.cfg.PoolSize)

	if err := ctrl.Send(wire.RegisterResult(true, "")); err != nil {
		s.registry.Unregister(msg.ClientID, ctrl)
		return
	}

	s.log.Info().Str("client_id", msg.ClientID).Msg("server: edge registered")

	for {
		next, err := reader.ReadMessage()
		if err == io.EOF {
			s.registry.Unregister(msg.ClientID, ctrl)
			s.log.Info().Str("client_id", msg.ClientID).Msg("server: edge control socket closed")
			return
		}
		if err != nil {
			s.registry.Unregister(msg.ClientID, ctrl)
			return
		}
		if next.Type == wire.TypeRegister {
			// Duplicate Register on an already-registered socket.
			_ = ctrl.Send(wire.RegisterResult(false, "already registered on this control socket"))
			s.registry.Unregister(msg.ClientID, ctrl)
			return
		}
		// Any other message on an established control socket is
		// unexpected; close without responding.
		s.registry.Unregister(msg.ClientID, ctrl)
		return
	}
}
