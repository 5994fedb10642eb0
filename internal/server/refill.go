package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sxhxliang/agentx-proxy/internal/registry"
)

// Refiller is the process-wide pool-refill task from spec.md 4.3: on each
// tick, for every live registration whose pool depth is below its target,
// issue enough RequestNewTunnel messages to close the gap.
type Refiller struct {
	registry     *registry.Registry
	interval     time.Duration
	greetTimeout time.Duration
	log          *zerolog.Logger
}

// NewRefiller builds a Refiller.
func NewRefiller(reg *registry.Registry, interval, greetTimeout time.Duration, log *zerolog.Logger) *Refiller {
	return &Refiller{registry: reg, interval: interval, greetTimeout: greetTimeout, log: log}
}

// Run blocks, ticking at the configured interval, until ctx is cancelled.
func (f *Refiller) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Refiller) tick(ctx context.Context) {
	for _, reg := range f.registry.Snapshot() {
		deficit := reg.RefillDeficit()
		for i := 0; i < deficit; i++ {
			f.requestOneSlot(ctx, reg)
		}
	}
}

func (f *Refiller) requestOneSlot(ctx context.Context, reg *registry.Registration) {
	tunnelID, wait, err := reg.RequestTunnel(true)
	if err != nil {
		f.log.Debug().Err(err).Str("client_id", reg.ClientID).Msg("refiller: could not request tunnel")
		return
	}
	go func() {
		timer := time.NewTimer(f.greetTimeout)
		defer timer.Stop()
		select {
		case res := <-wait:
			if res.err != nil {
				return
			}
			reg.PushPool(res.tunnel)
		case <-timer.C:
			reg.DropWaiter(tunnelID)
		case <-ctx.Done():
			reg.DropWaiter(tunnelID)
		}
	}()
}
