package gossip

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
)

// Bootstrap introduces this node to its seed by sending a view holding only
// self. A seed node has nothing to do.
func (e *Engine) Bootstrap(ctx context.Context) error {
	seed := e.cfg.Seed
	if seed.IsZero() {
		return nil
	}

	if err := e.transport.ConnectTo(ctx, seed); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	self, _ := e.reg.Get(e.reg.Self())
	msg := &p2p.Message{Sender: self.Addr, Peers: membership.View{self}}
	if err := e.transport.Send(ctx, seed, msg); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	e.logger.Info().Str("seed", seed.String()).Msg("Connected to seed")
	return nil
}

// bootstrapLoop retries the seed for as long as no other peer is known.
func (e *Engine) bootstrapLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.BootstrapRetry)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.reg.Len() > 1 {
				continue
			}
			e.logger.Info().Str("seed", e.cfg.Seed.String()).Msg("No peers, retrying seed...")
			if err := e.Bootstrap(e.ctx); err != nil {
				e.logger.Debug().Err(err).Msg("Seed retry failed")
			}
		}
	}
}
