// Package splice implements the bidirectional byte copy between a public
// socket and a tunnel socket (server side) or a tunnel socket and a local
// service socket (edge side), propagating half-close the way TCP
// request/response traffic requires.
package splice

import (
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

const bufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, bufferSize)
		return &b
	},
}

// halfCloser is implemented by *net.TCPConn and similar connections that can
// shut down one direction without closing the whole socket.
type halfCloser interface {
	CloseWrite() error
}

// Pair runs a full-duplex copy between a and b until both directions have
// finished. Normal EOF on one side shuts down the peer's write half so the
// other direction can still deliver a final response (half-close); an error
// on either side closes both sockets outright. Pair always closes both a
// and b before returning.
func Pair(a, b net.Conn, log *zerolog.Logger) {
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(a, b, log)
	}()
	go func() {
		defer wg.Done()
		copyHalf(b, a, log)
	}()

	wg.Wait()
}

// copyHalf copies from src to dst until EOF or error. On EOF it shuts down
// dst's write half if possible; on any other error it closes both ends so
// the sibling goroutine unblocks promptly.
func copyHalf(dst, src net.Conn, log *zerolog.Logger) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	_, err := io.CopyBuffer(dst, src, *bufPtr)
	if err == nil {
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		return
	}
	log.Debug().Err(err).Msg("splice: copy ended with error, closing both sockets")
	_ = dst.Close()
	_ = src.Close()
}
