// Package edge implements the private-endpoint half of the reverse-tunnel
// core: the control-channel registration loop and the per-greeting tunnel
// worker described in spec.md 4.5.
package edge

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/retry"
	"github.com/sxhxliang/agentx-proxy/internal/splice"
	"github.com/sxhxliang/agentx-proxy/internal/tcpconn"
	"github.com/sxhxliang/agentx-proxy/internal/wire"
)

// shutdownDrainTimeout bounds how long Run waits for in-flight tunnel
// workers to finish on their own once ctx is cancelled, matching the
// server's best-effort drain (spec.md 6).
const shutdownDrainTimeout = 5 * time.Second

// Dialer opens the local-side connection a greeted tunnel should be spliced
// to. The default is a plain TCP dial to cfg.LocalAddr:LocalPort; command
// mode supplies an in-process implementation instead (spec.md 4.5).
type Dialer func(ctx context.Context) (net.Conn, error)

// Agent owns one edge's control-channel lifecycle: connect, register,
// reconnect with backoff on failure, and dispatch RequestNewTunnel messages
// to tunnel workers.
type Agent struct {
	cfg     config.EdgeConfig
	log     *zerolog.Logger
	dial    Dialer
	backoff retry.Backoff

	// pool bounds the number of concurrently running tunnel workers to
	// cfg.MaxConnections, mirroring the server's per-process cap.
	pool *ants.Pool
}

// New builds an Agent. If dial is nil, a plain TCP dialer to
// cfg.LocalAddr:LocalPort is used (pass-through mode); command-mode
// embedders pass their own in-process Dialer instead.
func New(cfg config.EdgeConfig, log *zerolog.Logger, dial Dialer) *Agent {
	if dial == nil {
		dial = defaultDialer(cfg)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 256
	}
	pool, err := ants.NewPool(maxConns, ants.WithNonblocking(true))
	if err != nil {
		// ants.NewPool only fails for a non-positive size, which maxConns
		// can no longer be at this point.
		panic(errors.Wrap(err, "edge: create worker pool"))
	}
	return &Agent{
		cfg:  cfg,
		log:  log,
		dial: dial,
		backoff: retry.Backoff{
			BaseTime: cfg.ReconnectBaseDelay.Duration,
			MaxTime:  cfg.ReconnectMaxDelay.Duration,
		},
		pool: pool,
	}
}

func defaultDialer(cfg config.EdgeConfig) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.LocalAddr, strconv.Itoa(cfg.LocalPort)))
	}
}

// Run connects, registers, and serves the control channel until ctx is
// cancelled, reconnecting with bounded exponential backoff across any
// connect, registration, or control-socket failure. On cancellation it
// gives in-flight tunnel workers shutdownDrainTimeout to finish before
// returning, rather than abandoning them.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			break
		}
		if err := a.connectAndServe(ctx); err != nil {
			a.log.Warn().Err(err).Msg("edge: control session ended, reconnecting")
		}
		if !a.backoff.Wait(ctx) {
			break
		}
	}
	if err := a.pool.ReleaseTimeout(shutdownDrainTimeout); err != nil {
		a.log.Warn().Err(err).Msg("edge: worker pool did not drain within the shutdown timeout")
	}
	return nil
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.ServerHost, strconv.Itoa(a.cfg.ControlPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "edge: dial control port")
	}
	defer conn.Close()
	tcpconn.Tune(conn, a.log)

	if err := wire.WriteMessage(conn, wire.Register(a.cfg.ClientID)); err != nil {
		return errors.Wrap(err, "edge: send register")
	}

	reader := wire.NewReader(conn)
	first, err := reader.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "edge: read register result")
	}
	if first.Type != wire.TypeRegisterResult || !first.Success {
		return errors.Errorf("edge: registration rejected: %s", first.Error)
	}

	a.log.Info().Str("client_id", a.cfg.ClientID).Msg("edge: registered")
	a.backoff.SetGracePeriod()

	for {
		msg, err := reader.ReadMessage()
		if err == io.EOF {
			return errors.New("edge: control socket closed by server")
		}
		if err != nil {
			return errors.Wrap(err, "edge: control socket read")
		}
		if msg.Type != wire.TypeRequestNewTunnel || msg.TunnelID == "" {
			continue
		}
		tunnelID := msg.TunnelID
		if submitErr := a.pool.Submit(func() { a.serveTunnel(ctx, tunnelID) }); submitErr != nil {
			a.log.Warn().Err(submitErr).Str("tunnel_id", tunnelID).
				Msg("edge: dropping tunnel request, worker pool exhausted")
		}
	}
}

// serveTunnel implements the per-greeting worker from spec.md 4.5: dial the
// tunnel port, greet, then splice to the local service. The edge sends no
// bytes on the tunnel socket before the greeting.
func (a *Agent) serveTunnel(ctx context.Context, tunnelID string) {
	addr := net.JoinHostPort(a.cfg.ServerHost, strconv.Itoa(a.cfg.TunnelPort))
	var d net.Dialer
	tunnelConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		a.log.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("edge: dial tunnel port failed")
		return
	}
	tcpconn.Tune(tunnelConn, a.log)

	if err := wire.WriteMessage(tunnelConn, wire.NewTunnel(tunnelID, a.cfg.ClientID)); err != nil {
		a.log.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("edge: send greeting failed")
		_ = tunnelConn.Close()
		return
	}

	localConn, err := a.dial(ctx)
	if err != nil {
		a.log.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("edge: local service dial failed")
		_ = tunnelConn.Close()
		return
	}

	splice.Pair(tunnelConn, localConn, a.log)
}
