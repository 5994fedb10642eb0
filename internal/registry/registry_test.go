package registry

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func fakeControlChannel(t *testing.T) (*ControlChannel, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	// Drain anything written on the control channel so Send never blocks.
	go io_discard(clientSide)
	return NewControlChannel(serverSide), clientSide
}

func io_discard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestRegisterMapsClientIDToRegistration(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)

	registration := reg.Register("edge-a", ctrl, 2)

	got, ok := reg.Lookup("edge-a")
	require.True(t, ok)
	assert.Same(t, registration, got)
}

func TestRegisterReplacesAndTearsDownPrevious(t *testing.T) {
	reg := New(testLogger())
	ctrl1, conn1 := fakeControlChannel(t)
	ctrl2, _ := fakeControlChannel(t)

	first := reg.Register("edge-a", ctrl1, 2)

	// Give the first registration a pooled tunnel and an outstanding waiter.
	tunnelServer, tunnelClient := net.Pipe()
	defer tunnelClient.Close()
	first.PushPool(&PendingTunnel{ID: "t1", Conn: tunnelServer})

	_, wait, err := first.RequestTunnel(false)
	require.NoError(t, err)

	second := reg.Register("edge-a", ctrl2, 2)

	got, ok := reg.Lookup("edge-a")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NotSame(t, first, second)

	select {
	case res := <-wait:
		assert.ErrorIs(t, res.err, ErrEdgeReplaced)
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed after replacement")
	}

	// The old control socket should now be closed.
	_, err = conn1.Write([]byte("x"))
	assert.Error(t, err)
}

func TestUnregisterOnlyRemovesMatchingWriter(t *testing.T) {
	reg := New(testLogger())
	ctrl1, _ := fakeControlChannel(t)
	ctrl2, _ := fakeControlChannel(t)

	reg.Register("edge-a", ctrl1, 2)
	reg.Register("edge-a", ctrl2, 2) // replaces; ctrl1 registration is gone

	removed := reg.Unregister("edge-a", ctrl1)
	assert.False(t, removed, "stale control channel must not clobber the new registration")

	_, ok := reg.Lookup("edge-a")
	assert.True(t, ok, "current registration must survive a late unregister from the old control socket")

	removed = reg.Unregister("edge-a", ctrl2)
	assert.True(t, removed)
	_, ok = reg.Lookup("edge-a")
	assert.False(t, ok)
}

func TestPoolIsFIFO(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 2)

	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	r.PushPool(&PendingTunnel{ID: "first", Conn: s1})
	r.PushPool(&PendingTunnel{ID: "second", Conn: s2})

	got1, ok := r.PopPool()
	require.True(t, ok)
	assert.Equal(t, "first", got1.ID)

	got2, ok := r.PopPool()
	require.True(t, ok)
	assert.Equal(t, "second", got2.ID)

	_, ok = r.PopPool()
	assert.False(t, ok)
}

func TestResolveGreetingUnknownTunnelIDIsRejected(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 0)

	s, c := net.Pipe()
	defer c.Close()

	ok := r.ResolveGreeting("not-outstanding", s)
	assert.False(t, ok)
}

func TestResolveGreetingTwiceForSameIDFailsSecondTime(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 0)

	tunnelID, wait, err := r.RequestTunnel(false)
	require.NoError(t, err)

	s1, c1 := net.Pipe()
	defer c1.Close()
	ok := r.ResolveGreeting(tunnelID, s1)
	assert.True(t, ok)

	select {
	case res := <-wait:
		assert.Same(t, s1, res.tunnel.Conn)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	s2, c2 := net.Pipe()
	defer c2.Close()
	ok = r.ResolveGreeting(tunnelID, s2)
	assert.False(t, ok, "duplicate greeting for the same tunnel_id must be rejected")
}

func TestTearDownClosesPoolAndFailsWaiters(t *testing.T) {
	reg := New(testLogger())
	ctrl, conn := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 1)

	pooled, pooledPeer := net.Pipe()
	r.PushPool(&PendingTunnel{ID: "pooled", Conn: pooled})
	defer pooledPeer.Close()

	_, wait, err := r.RequestTunnel(true)
	require.NoError(t, err)

	r.TearDown(ErrEdgeGone)

	select {
	case res := <-wait:
		assert.ErrorIs(t, res.err, ErrEdgeGone)
	case <-time.After(time.Second):
		t.Fatal("waiter not failed by TearDown")
	}

	_, err = conn.Write([]byte("x"))
	assert.Error(t, err, "control channel must be closed")

	// Pool is drained; nothing left to pop.
	_, ok := r.PopPool()
	assert.False(t, ok)
}

func TestDropWaiterMakesLateGreetingUnknown(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 0)

	tunnelID, _, err := r.RequestTunnel(false)
	require.NoError(t, err)

	r.DropWaiter(tunnelID)

	s, c := net.Pipe()
	defer c.Close()
	ok := r.ResolveGreeting(tunnelID, s)
	assert.False(t, ok, "a dropped waiter's late greeting must be treated as unknown")
}

func TestRefillDeficitAccountsForPoolAndInFlightRequests(t *testing.T) {
	reg := New(testLogger())
	ctrl, _ := fakeControlChannel(t)
	r := reg.Register("edge-a", ctrl, 3)

	assert.Equal(t, 3, r.RefillDeficit())

	s, c := net.Pipe()
	defer c.Close()
	r.PushPool(&PendingTunnel{ID: "one", Conn: s})
	assert.Equal(t, 2, r.RefillDeficit())

	_, _, err := r.RequestTunnel(true)
	require.NoError(t, err)
	assert.Equal(t, 1, r.RefillDeficit(), "in-flight pool-purpose request counts toward the target")

	_, _, err = r.RequestTunnel(false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.RefillDeficit(), "dispatch-purpose requests do not count toward pool deficit")
}
