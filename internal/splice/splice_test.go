package splice

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	require.NotNil(t, server)
	return client, server
}

func TestPairEchoesBothDirections(t *testing.T) {
	log := zerolog.Nop()

	// public <-> splice <-> tunnel, tunnel <-> echo
	publicClient, publicServer := tcpPipe(t)
	tunnelClient, tunnelServer := tcpPipe(t)

	go Pair(publicServer, tunnelClient, &log)

	// echo on the "edge" side
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := tunnelServer.Read(buf)
			if n > 0 {
				tunnelServer.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	_, err := publicClient.Write([]byte("hello"))
	require.NoError(t, err)

	publicClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	_, err = io.ReadFull(publicClient, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	publicClient.Close()
	tunnelServer.Close()
}

func TestPairPropagatesHalfClose(t *testing.T) {
	log := zerolog.Nop()

	a, aPeer := tcpPipe(t)
	b, bPeer := tcpPipe(t)

	done := make(chan struct{})
	go func() {
		Pair(aPeer, bPeer, &log)
		close(done)
	}()

	// a writes then closes its write half; bPeer should observe EOF via b.
	a.Write([]byte("x"))
	a.(*net.TCPConn).CloseWrite()

	buf := make([]byte, 1)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = b.Read(buf)
	require.Equal(t, io.EOF, err)

	a.Close()
	b.Close()
	<-done
}
