package edge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// fakeServer accepts exactly one control connection and one tunnel
// connection on two real TCP listeners, acking Register and then issuing
// one RequestNewTunnel, mirroring just enough of the server side for the
// agent's control loop and tunnel worker to be exercised end to end.
func fakeServer(t *testing.T) (controlAddr, tunnelAddr string, tunnelGreeted chan wire.Message) {
	t.Helper()
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tunnelLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { controlLn.Close(); tunnelLn.Close() })

	tunnelGreeted = make(chan wire.Message, 1)

	go func() {
		conn, err := controlLn.Accept()
		if err != nil {
			return
		}
		r := wire.NewReader(conn)
		reg, err := r.ReadMessage()
		if err != nil || reg.Type != wire.TypeRegister {
			conn.Close()
			return
		}
		_ = wire.WriteMessage(conn, wire.RegisterResult(true, ""))
		_ = wire.WriteMessage(conn, wire.RequestNewTunnel("tid-1"))
		// Keep the control socket open for the rest of the test.
		buf := make([]byte, 16)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	go func() {
		conn, err := tunnelLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := wire.NewReader(conn)
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		tunnelGreeted <- msg
	}()

	return controlLn.Addr().String(), tunnelLn.Addr().String(), tunnelGreeted
}

func TestAgentRegistersAndGreetsTunnel(t *testing.T) {
	controlAddr, tunnelAddr, greeted := fakeServer(t)
	controlHost, controlPort, _ := net.SplitHostPort(controlAddr)
	_, tunnelPort, _ := net.SplitHostPort(tunnelAddr)

	cfg := config.DefaultEdgeConfig()
	cfg.ServerHost = controlHost
	cfg.ControlPort = mustAtoi(t, controlPort)
	cfg.TunnelPort = mustAtoi(t, tunnelPort)
	cfg.ClientID = "edge-a"

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer localLn.Close()
	go func() {
		conn, err := localLn.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	_, localPort, _ := net.SplitHostPort(localLn.Addr().String())
	cfg.LocalAddr = "127.0.0.1"
	cfg.LocalPort = mustAtoi(t, localPort)

	agent := New(cfg, nopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	select {
	case msg := <-greeted:
		require.Equal(t, wire.TypeNewTunnel, msg.Type)
		require.Equal(t, "tid-1", msg.TunnelID)
		require.Equal(t, "edge-a", msg.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel greeting")
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
