package config

import (
	"fmt"
	"net"

	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
)

// Port bounds for the P2P listener.
const (
	MinPort = 1024
	MaxPort = 65535
)

// Validate checks runtime node config for operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// P2P
	if cfg.P2P.Port < MinPort || cfg.P2P.Port > MaxPort {
		return fmt.Errorf("port must be in range [%d, %d], got %d", MinPort, MaxPort, cfg.P2P.Port)
	}
	if cfg.P2P.ListenAddr == "" {
		return fmt.Errorf("p2p.listen must not be empty")
	}
	if ip := net.ParseIP(cfg.P2P.ListenAddr); ip != nil && ip.IsUnspecified() && cfg.P2P.Advertise == "" {
		return fmt.Errorf("p2p.advertise is required when listening on %s", cfg.P2P.ListenAddr)
	}
	if cfg.P2P.DialTimeout <= 0 {
		return fmt.Errorf("p2p.dial_timeout must be positive")
	}
	if cfg.P2P.WriteTimeout <= 0 {
		return fmt.Errorf("p2p.write_timeout must be positive")
	}
	if cfg.P2P.MaxMessageSize <= 0 {
		return fmt.Errorf("p2p.max_message_size must be positive")
	}
	if cfg.P2P.MaxConcurrentSends <= 0 {
		return fmt.Errorf("p2p.max_sends must be positive")
	}

	if cfg.P2P.Connect != "" {
		seed, err := cfg.Seed()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		self, err := cfg.SelfAddress()
		if err != nil {
			return err
		}
		if seed == self {
			return fmt.Errorf("connect must not point at this node (%s)", self)
		}
	}

	// Gossip
	if cfg.Gossip.Period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	if cfg.Gossip.BootstrapRetry <= 0 {
		return fmt.Errorf("gossip.bootstrap_retry must be positive")
	}
	if cfg.Gossip.RoundTimeout < 0 {
		return fmt.Errorf("gossip.round_timeout must not be negative")
	}

	// RPC
	if cfg.RPC.Enabled {
		if cfg.RPC.Port < 0 || cfg.RPC.Port > MaxPort {
			return fmt.Errorf("rpc.port must be in range [0, %d]", MaxPort)
		}
		if port := cfg.RPCPort(); port > MaxPort {
			return fmt.Errorf("rpc.port must be set when port + %d exceeds %d", RPCPortOffset, MaxPort)
		} else if port == cfg.P2P.Port {
			return fmt.Errorf("rpc.port must differ from port")
		}
	}

	// Logging
	if !klog.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", cfg.Log.Level)
	}

	return nil
}
