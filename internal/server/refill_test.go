package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxhxliang/agentx-proxy/internal/registry"
	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

func TestRefillerFillsPoolToTarget(t *testing.T) {
	reg := registry.New(nopLogger())
	controlServer, controlClient := net.Pipe()
	defer controlClient.Close()
	ctrl := registry.NewControlChannel(controlServer)
	registration := reg.Register("edge-a", ctrl, 2)

	// Fake edge: for every RequestNewTunnel, immediately greet a fresh pipe.
	r := wire.NewReader(controlClient)
	go func() {
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return
			}
			if msg.Type != wire.TypeRequestNewTunnel {
				continue
			}
			tunnelServer, tunnelClient := net.Pipe()
			go func() { <-context.Background().Done(); tunnelClient.Close() }()
			registration.ResolveGreeting(msg.TunnelID, tunnelServer)
		}
	}()

	refiller := NewRefiller(reg, 20*time.Millisecond, time.Second, nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refiller.Run(ctx)

	require.Eventually(t, func() bool {
		return registration.PoolDepth() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefillerDoesNotOverRequestWhileWaiting(t *testing.T) {
	reg := registry.New(nopLogger())
	controlServer, controlClient := net.Pipe()
	defer controlClient.Close()
	ctrl := registry.NewControlChannel(controlServer)
	registration := reg.Register("edge-a", ctrl, 1)

	seen := make(chan struct{}, 10)
	r := wire.NewReader(controlClient)
	go func() {
		for {
			_, err := r.ReadMessage()
			if err != nil {
				return
			}
			seen <- struct{}{}
			// Never greet: simulate a slow/unresponsive edge.
		}
	}()

	refiller := NewRefiller(reg, 10*time.Millisecond, time.Hour, nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refiller.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, len(seen), 1, "refiller must not re-request a slot it is already waiting on")
}
