// Package gossip runs the membership protocol: a periodic full-view push
// to every known peer, and a merge of every view received.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
	"github.com/Klingon-tech/klingnet-gossip/internal/telemetry"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// DefaultBootstrapRetry is how often a node still alone retries its seed.
const DefaultBootstrapRetry = 10 * time.Second

// State of the engine.
type State int32

const (
	StateBootstrapping State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Transport delivers messages to peers. *p2p.Manager implements it.
type Transport interface {
	ConnectTo(ctx context.Context, addr types.Address) error
	Send(ctx context.Context, addr types.Address, msg *p2p.Message) error
	Broadcast(ctx context.Context, msg *p2p.Message, targets []types.Address) map[types.Address]error
}

// Config holds engine settings.
type Config struct {
	Seed           types.Address // zero for a seed node
	Period         time.Duration
	BootstrapRetry time.Duration
	RoundTimeout   time.Duration // defaults to Period
}

// RoundResult summarizes one gossip round.
type RoundResult struct {
	Targets  []types.Address
	Failed   map[types.Address]error
	Duration time.Duration
}

// Engine ties the registry, the transport and the scheduler together.
type Engine struct {
	cfg       Config
	reg       *membership.Registry
	transport Transport
	sched     *Scheduler
	logger    zerolog.Logger

	state     atomic.Int32
	rounds    atomic.Uint64
	announced atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. cfg.Period must be positive.
func New(cfg Config, reg *membership.Registry, t Transport) *Engine {
	if cfg.BootstrapRetry <= 0 {
		cfg.BootstrapRetry = DefaultBootstrapRetry
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = cfg.Period
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		reg:       reg,
		transport: t,
		sched:     NewScheduler(cfg.Period),
		logger:    klog.WithComponent(klog.ComponentGossip),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Rounds returns the number of completed rounds.
func (e *Engine) Rounds() uint64 {
	return e.rounds.Load()
}

// DroppedTicks returns the ticks skipped because a round was still running.
func (e *Engine) DroppedTicks() uint64 {
	return e.sched.Dropped()
}

// Period returns the round interval.
func (e *Engine) Period() time.Duration {
	return e.cfg.Period
}

// Seed returns the bootstrap address, zero for a seed node.
func (e *Engine) Seed() types.Address {
	return e.cfg.Seed
}

// Registry returns the membership registry the engine maintains.
func (e *Engine) Registry() *membership.Registry {
	return e.reg
}

// Start bootstraps and begins gossiping. A failed bootstrap is logged and
// retried in the background.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("gossip engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Bootstrap(e.ctx); err != nil {
		e.logger.Warn().Err(err).Str("seed", e.cfg.Seed.String()).Msg("Bootstrap failed, will retry")
	}
	e.state.Store(int32(StateActive))
	telemetry.KnownPeers.Set(float64(e.reg.Len()))

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.sched.Run(e.ctx)
	}()
	go e.roundLoop()

	if !e.cfg.Seed.IsZero() {
		e.wg.Add(1)
		go e.bootstrapLoop()
	}

	ev := e.logger.Info().
		Str("self", e.reg.Self().String()).
		Dur("period", e.cfg.Period)
	if e.cfg.Seed.IsZero() {
		ev.Msg("Gossip engine started as seed node")
	} else {
		ev.Str("seed", e.cfg.Seed.String()).Msg("Gossip engine started")
	}
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) roundLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.sched.Ticks():
			e.RunRound(e.ctx)
		}
	}
}

// RunRound stamps the local record and pushes the full view to every
// other known address.
func (e *Engine) RunRound(ctx context.Context) RoundResult {
	defer klog.Benchmark("gossip round")()

	start := time.Now()
	if e.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RoundTimeout)
		defer cancel()
	}

	self := e.reg.StampSelf(fmt.Sprintf("Time: %d", start.Unix()))
	view := e.reg.Snapshot()

	targets := make([]types.Address, 0, view.Len())
	for _, addr := range view.Addresses() {
		if addr != self.Addr {
			targets = append(targets, addr)
		}
	}
	res := RoundResult{Targets: targets}

	if len(targets) > 0 {
		if !e.announced.Swap(true) {
			e.logger.Info().Int("peers", len(targets)).Msg("Connected to peers")
		}
		e.logger.Info().Msgf("Sending message [%s] to %v", self.Payload, targets)
		e.logger.Debug().Str("digest", view.Digest().Short()).Int("known", view.Len()).Msg("Round view")

		res.Failed = e.transport.Broadcast(ctx, &p2p.Message{Sender: self.Addr, Peers: view}, targets)
		for addr, err := range res.Failed {
			e.logger.Debug().Str("peer", addr.String()).Err(err).Msg("Gossip send failed")
		}
	}

	res.Duration = time.Since(start)
	e.rounds.Add(1)
	telemetry.RoundsTotal.Inc()
	telemetry.RoundDuration.Observe(res.Duration.Seconds())
	telemetry.KnownPeers.Set(float64(view.Len()))
	return res
}

// HandleMessage merges a received view and dials every newly discovered
// address in the background.
func (e *Engine) HandleMessage(msg *p2p.Message) {
	if msg == nil || msg.Sender == e.reg.Self() {
		return
	}

	discovered, updated := e.reg.MergeWithUpdates(msg.Peers)
	if e.reg.Observe(msg.Sender) {
		discovered = append(discovered, msg.Sender)
	}

	for _, rec := range updated {
		if rec.Addr == msg.Sender {
			e.logger.Info().Msgf("Received message [%s] from %s", rec.Payload, rec.Addr)
		} else {
			e.logger.Debug().Str("peer", rec.Addr.String()).Str("via", msg.Sender.String()).
				Str("payload", rec.Payload).Msg("Payload relayed")
		}
	}

	if len(discovered) == 0 {
		return
	}
	telemetry.PeersDiscovered.Add(float64(len(discovered)))
	telemetry.KnownPeers.Set(float64(e.reg.Len()))

	for _, addr := range discovered {
		e.logger.Info().Str("peer", addr.String()).Str("via", msg.Sender.String()).Msg("Discovered peer")
		e.dialAsync(addr)
	}
}

func (e *Engine) dialAsync(addr types.Address) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.transport.ConnectTo(e.ctx, addr); err != nil {
			e.logger.Debug().Str("peer", addr.String()).Err(err).Msg("Dial to discovered peer failed")
		}
	}()
}
