// Package tcpconn applies the socket tuning spec.md requires on every
// control, tunnel, and public connection: TCP_NODELAY and 256 KiB send/recv
// buffers, best-effort.
package tcpconn

import (
	"net"

	"github.com/rs/zerolog"
)

// DefaultBufferSize is the SO_RCVBUF/SO_SNDBUF target. The OS may cap it
// lower; failures to set it are logged and ignored, never fatal.
const DefaultBufferSize = 256 * 1024

// Tune applies TCP_NODELAY and read/write buffer sizing to conn if it is a
// *net.TCPConn. Non-TCP connections (used in tests) are left untouched.
// Errors are logged as warnings, per spec.md's TcpTuningFailure policy:
// proceed with default socket settings rather than fail the connection.
func Tune(conn net.Conn, log *zerolog.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		log.Warn().Err(err).Msg("tcpconn: failed to set TCP_NODELAY")
	}
	if err := tcpConn.SetReadBuffer(DefaultBufferSize); err != nil {
		log.Warn().Err(err).Msg("tcpconn: failed to set receive buffer")
	}
	if err := tcpConn.SetWriteBuffer(DefaultBufferSize); err != nil {
		log.Warn().Err(err).Msg("tcpconn: failed to set send buffer")
	}
}
