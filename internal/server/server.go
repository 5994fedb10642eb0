// Package server implements the public-facing half of the reverse-tunnel
// core: the control, tunnel, and public port accept loops, the registry
// they share, and the pool-refill supervisory task.
package server

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/metrics"
	"github.com/sxhxliang/agentx-proxy/internal/registry"
)

// shutdownDrainTimeout bounds how long Run waits for in-flight splices to
// finish on their own after the listeners are closed, per spec.md 6's
// best-effort drain requirement.
const shutdownDrainTimeout = 5 * time.Second

// acceptRetryDelay is how long acceptLoop backs off after a transient
// Accept error (e.g. file-descriptor exhaustion) before trying again.
const acceptRetryDelay = 50 * time.Millisecond

// Server owns the three listeners, the registry, the dispatcher, and the
// refill task that together implement spec.md 2-5.
type Server struct {
	cfg     config.ServerConfig
	log     *zerolog.Logger
	metrics *metrics.Metrics

	registry   *registry.Registry
	dispatcher *Dispatcher
	refiller   *Refiller

	// pool bounds the number of concurrently running splice/handler
	// goroutines to cfg.MaxConnections, spec.md 5's per-process cap.
	pool *ants.Pool
}

// New builds a Server ready to Run.
func New(cfg config.ServerConfig, log *zerolog.Logger) (*Server, error) {
	reg := registry.New(log)
	m := metrics.New(reg.Len)

	pool, err := ants.NewPool(cfg.MaxConnections, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "server: create worker pool")
	}

	return &Server{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		registry:   reg,
		dispatcher: NewDispatcher(reg, cfg, m, log),
		refiller:   NewRefiller(reg, cfg.RefillInterval.Duration, cfg.GreetTimeout.Duration, log),
		pool:       pool,
	}, nil
}

// Metrics exposes the server's metrics collectors, e.g. for wiring a
// metrics HTTP server in cmd/.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Run starts all accept loops and the refill task, blocking until ctx is
// cancelled or a listener fails irrecoverably. On cancellation it closes
// the listeners and gives in-flight splices shutdownDrainTimeout to finish
// before returning, rather than abandoning them.
func (s *Server) Run(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", addr(s.cfg.ControlPort))
	if err != nil {
		return errors.Wrap(err, "server: listen control port")
	}
	tunnelLn, err := net.Listen("tcp", addr(s.cfg.TunnelPort))
	if err != nil {
		_ = controlLn.Close()
		return errors.Wrap(err, "server: listen tunnel port")
	}
	publicLn, err := net.Listen("tcp", addr(s.cfg.PublicPort))
	if err != nil {
		_ = controlLn.Close()
		_ = tunnelLn.Close()
		return errors.Wrap(err, "server: listen public port")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		_ = controlLn.Close()
		_ = tunnelLn.Close()
		_ = publicLn.Close()
		return nil
	})
	closeOverloaded := func(conn net.Conn) { _ = conn.Close() }
	eg.Go(func() error { return s.acceptLoop(egCtx, controlLn, s.handleControlConn, closeOverloaded) })
	eg.Go(func() error { return s.acceptLoop(egCtx, tunnelLn, s.handleTunnelConn, closeOverloaded) })
	eg.Go(func() error { return s.acceptLoop(egCtx, publicLn, s.dispatcher.Handle, s.dispatcher.RejectOverloaded) })
	eg.Go(func() error {
		s.refiller.Run(egCtx)
		return nil
	})

	s.log.Info().
		Int("control_port", s.cfg.ControlPort).
		Int("tunnel_port", s.cfg.TunnelPort).
		Int("public_port", s.cfg.PublicPort).
		Msg("server: listening")

	err = eg.Wait()
	if releaseErr := s.pool.ReleaseTimeout(shutdownDrainTimeout); releaseErr != nil {
		s.log.Warn().Err(releaseErr).Msg("server: worker pool did not drain within the shutdown timeout")
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// acceptLoop accepts connections from ln until ctx is cancelled, handing
// each one to the worker pool. A transient Accept error is logged and
// retried after a short delay rather than torn down to the whole group;
// spec.md 5/7 require that fd exhaustion or any other per-accept error
// never takes down the other listeners or the process. When the pool has
// no room, onOverload decides how the rejected connection is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn), onOverload func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("server: accept error, retrying")
			select {
			case <-time.After(acceptRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		submitErr := s.pool.Submit(func() { handle(conn) })
		if submitErr != nil {
			s.log.Warn().Err(submitErr).Msg("server: connection dropped, worker pool exhausted")
			go onOverload(conn)
		}
	}
}

func addr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
