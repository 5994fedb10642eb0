package server

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/metrics"
	"github.com/sxhxliang/agentx-proxy/internal/registry"
	"github.com/sxhxliang/agentx-proxy/internal/splice"
	"github.com/sxhxliang/agentx-proxy/internal/tcpconn"
)

// perEdgeBurst and perEdgeRate bound how fast one client_id can force
// slow-path RequestNewTunnel traffic onto its control channel, guarding the
// per-edge resource cap spec.md 5 calls for.
const (
	perEdgeRate  = 50 // requests/sec
	perEdgeBurst = 100
)

// Dispatcher implements the public-port connection handling described in
// spec.md 4.4: token extraction, edge resolution, tunnel acquisition (fast
// or slow path), and the primed splice.
type Dispatcher struct {
	registry *registry.Registry
	cfg      config.ServerConfig
	metrics  *metrics.Metrics
	log      *zerolog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewDispatcher builds a Dispatcher bound to reg and cfg.
func NewDispatcher(reg *registry.Registry, cfg config.ServerConfig, m *metrics.Metrics, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handle services one accepted public connection end to end. It always
// closes conn before returning unless it handed conn off to a splice that
// will close it.
func (d *Dispatcher) Handle(conn net.Conn) {
	tcpconn.Tune(conn, d.log)

	start := time.Now()
	sniffed, err := sniffToken(conn, d.cfg.TokenSniffMaxBytes, d.cfg.TokenSniffTimeout.Duration)
	if err != nil {
		d.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dispatcher: token sniff failed")
		d.countError("token_missing")
		_ = conn.Close()
		return
	}

	reg, ok := d.registry.Lookup(sniffed.token)
	if !ok {
		d.log.Debug().Err(ErrUnknownEdge).Str("remote", conn.RemoteAddr().String()).Msg("dispatcher: rejecting public connection")
		d.countError("unknown_edge")
		d.reject(conn, sniffed.looksHTTP, respNotFound)
		return
	}

	tunnel, fastPath, err := d.acquireTunnel(reg)
	if err != nil {
		d.countError("no_tunnel_available")
		d.reject(conn, sniffed.looksHTTP, respBadGateway)
		return
	}

	if d.metrics != nil {
		d.metrics.DispatchLatency.Observe(time.Since(start).Seconds())
		if fastPath {
			d.metrics.DispatchFastPath.Inc()
		} else {
			d.metrics.DispatchSlowPath.Inc()
		}
	}

	if len(sniffed.prefix) > 0 {
		if _, err := tunnel.Conn.Write(sniffed.prefix); err != nil {
			d.log.Debug().Err(err).Msg("dispatcher: failed to prime tunnel with sniffed bytes")
			_ = conn.Close()
			_ = tunnel.Conn.Close()
			return
		}
	}

	splice.Pair(conn, tunnel.Conn, d.log)
}

// acquireTunnel implements the fast/slow path split from spec.md 4.4.3.
func (d *Dispatcher) acquireTunnel(reg *registry.Registration) (*registry.PendingTunnel, bool, error) {
	if t, ok := reg.PopPool(); ok {
		return t, true, nil
	}

	if lim := d.limiterFor(reg.ClientID); !lim.Allow() {
		return nil, false, ErrNoTunnelAvailable
	}

	tunnelID, wait, err := reg.RequestTunnel(false)
	if err != nil {
		return nil, false, ErrNoTunnelAvailable
	}

	timer := time.NewTimer(d.cfg.DispatchTimeout.Duration)
	defer timer.Stop()

	select {
	case res := <-wait:
		if res.err != nil {
			return nil, false, ErrNoTunnelAvailable
		}
		return res.tunnel, false, nil
	case <-timer.C:
		reg.DropWaiter(tunnelID)
		return nil, false, ErrNoTunnelAvailable
	}
}

// RejectOverloaded handles a public connection the accept loop could not
// hand off to the worker pool (spec.md 5's per-process connection cap
// reached). It sniffs just enough to tell whether the peer looks like HTTP,
// then writes a 503 and closes; non-HTTP traffic is closed silently, same
// as every other rejection path.
func (d *Dispatcher) RejectOverloaded(conn net.Conn) {
	d.countError("pool_exhausted")
	sniffed, err := sniffToken(conn, d.cfg.TokenSniffMaxBytes, d.cfg.TokenSniffTimeout.Duration)
	d.reject(conn, err == nil && sniffed.looksHTTP, respServiceUnavail)
}

func (d *Dispatcher) limiterFor(clientID string) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	lim, ok := d.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perEdgeRate), perEdgeBurst)
		d.limiters[clientID] = lim
	}
	return lim
}

func (d *Dispatcher) reject(conn net.Conn, looksHTTP bool, resp []byte) {
	defer conn.Close()
	if looksHTTP {
		_, _ = conn.Write(resp)
	}
}

func (d *Dispatcher) countError(kind string) {
	if d.metrics != nil {
		d.metrics.DispatchErrors.WithLabelValues(kind).Inc()
	}
}
