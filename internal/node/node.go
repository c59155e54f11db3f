// Package node wires the registry, transport, gossip engine and admin RPC
// into a runnable gossip peer.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/config"
	"github.com/Klingon-tech/klingnet-gossip/internal/gossip"
	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
	"github.com/Klingon-tech/klingnet-gossip/internal/rpc"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
	"github.com/rs/zerolog"
)

// statusInterval is how often the node logs a membership summary.
const statusInterval = time.Minute

// Node is a fully-initialized gossip peer.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger
	self   types.Address

	// Membership
	registry *membership.Registry

	// Networking
	listener *p2p.Listener
	manager  *p2p.Manager
	engine   *gossip.Engine

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates and initializes a Node. It binds the P2P listener and starts
// the RPC server but does not accept peers or gossip until Start.
//
// A P2P port of 0 binds an ephemeral port; the node's address is then
// derived from the bound port.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(cfg.Log.File)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent(klog.ComponentNode)

	// ── 2. P2P listener ─────────────────────────────────────────────
	rpcAddr := rpcListenAddress(cfg)
	ln := p2p.NewListener(cfg.ListenAddress())
	if err := ln.Listen(); err != nil {
		return nil, err
	}
	if cfg.P2P.Port == 0 {
		bound := *cfg
		bound.P2P.Port = boundPort(ln.Addr())
		cfg = &bound
	}

	self, err := cfg.SelfAddress()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("self address: %w", err)
	}
	seed, err := cfg.Seed()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// ── 3. Membership ───────────────────────────────────────────────
	reg := membership.New(self)

	// ── 4. Connection manager ───────────────────────────────────────
	mgr := p2p.NewManager(self, p2p.ManagerConfig{
		DialTimeout:        cfg.P2P.DialTimeout,
		WriteTimeout:       cfg.P2P.WriteTimeout,
		MaxMessageSize:     cfg.P2P.MaxMessageSize,
		DialRate:           cfg.P2P.DialRate,
		MaxConcurrentSends: cfg.P2P.MaxConcurrentSends,
	})

	// ── 5. Gossip engine ────────────────────────────────────────────
	engine := gossip.New(gossip.Config{
		Seed:           seed,
		Period:         cfg.Gossip.Period,
		BootstrapRetry: cfg.Gossip.BootstrapRetry,
		RoundTimeout:   cfg.EffectiveRoundTimeout(),
	}, reg, mgr)
	mgr.SetHandler(engine.HandleMessage)

	// ── 6. RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.New(rpcAddr, reg, engine, mgr, cfg.RPC)
		rpcServer.SetNodeInfo(ln.Addr().String(), config.Version)
		if err := rpcServer.Start(); err != nil {
			ln.Close()
			mgr.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		self:      self,
		registry:  reg,
		listener:  ln,
		manager:   mgr,
		engine:    engine,
		rpcServer: rpcServer,
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info().
		Str("self", self.String()).
		Str("listen", ln.Addr().String()).
		Str("rpc", n.RPCAddr()).
		Msg("Node initialized")

	return n, nil
}

// Start accepts peers and begins gossiping. A seed that cannot be reached
// does not fail Start; the engine keeps retrying it.
func (n *Node) Start() error {
	if err := n.listener.Serve(n.manager); err != nil {
		return err
	}
	if err := n.engine.Start(); err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runStatusLoop()
	}()

	n.logger.Info().
		Str("self", n.self.String()).
		Str("seed", seedString(n.engine.Seed())).
		Dur("period", n.cfg.Gossip.Period).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order. Safe to call more
// than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.wg.Wait()

		if n.rpcServer != nil {
			n.rpcServer.Stop()
		}
		n.engine.Stop()
		n.listener.Close()
		n.manager.Close()

		n.logger.Info().Msg("Goodbye!")
	})
}

// Self returns the node's peer address.
func (n *Node) Self() types.Address {
	return n.self
}

// P2PAddr returns the address the P2P listener is bound to.
func (n *Node) P2PAddr() string {
	return n.listener.Addr().String()
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Registry returns the node's membership registry.
func (n *Node) Registry() *membership.Registry {
	return n.registry
}

// Engine returns the node's gossip engine.
func (n *Node) Engine() *gossip.Engine {
	return n.engine
}

// ── Status ──────────────────────────────────────────────────────────

func (n *Node) runStatusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.logger.Info().
				Int("known", n.registry.Len()).
				Int("sessions", n.manager.SessionCount()).
				Str("state", n.engine.State().String()).
				Uint64("rounds", n.engine.Rounds()).
				Msg("Network status")
		}
	}
}

func seedString(seed types.Address) string {
	if seed.IsZero() {
		return "none"
	}
	return seed.String()
}
