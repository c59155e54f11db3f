// Package config handles gossipd configuration.
//
// Settings are resolved in order: built-in defaults, the config file,
// environment variables, then command-line flags. The result is checked
// by Validate before the node starts.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// Config holds node runtime configuration.
type Config struct {
	// P2P transport
	P2P P2PConfig

	// Gossip protocol timing
	Gossip GossipConfig

	// Admin RPC server
	RPC RPCConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer transport settings.
type P2PConfig struct {
	ListenAddr         string        `conf:"p2p.listen"`
	Port               int           `conf:"p2p.port"`
	Advertise          string        `conf:"p2p.advertise"` // host peers should dial; defaults to ListenAddr
	Connect            string        `conf:"p2p.connect"`   // seed address; empty for a seed node
	DialTimeout        time.Duration `conf:"p2p.dial_timeout"`
	WriteTimeout       time.Duration `conf:"p2p.write_timeout"`
	MaxMessageSize     int           `conf:"p2p.max_message_size"`
	DialRate           float64       `conf:"p2p.dial_rate"` // dials per second, negative disables pacing
	MaxConcurrentSends int           `conf:"p2p.max_sends"`
}

// GossipConfig holds protocol timing.
type GossipConfig struct {
	Period         time.Duration `conf:"gossip.period"`
	BootstrapRetry time.Duration `conf:"gossip.bootstrap_retry"`
	RoundTimeout   time.Duration `conf:"gossip.round_timeout"` // 0 means Period
}

// RPCConfig holds admin RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"` // 0 means p2p.port + RPCPortOffset
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
	Metrics     bool     `conf:"rpc.metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// RPCPortOffset is added to the P2P port when rpc.port is not set.
const RPCPortOffset = 1000

// ListenAddress returns the P2P bind address in host:port form.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.P2P.ListenAddr, strconv.Itoa(c.P2P.Port))
}

// AdvertiseHost returns the host other peers use to reach this node.
func (c *Config) AdvertiseHost() string {
	if c.P2P.Advertise != "" {
		return c.P2P.Advertise
	}
	return c.P2P.ListenAddr
}

// SelfAddress returns this node's peer address.
func (c *Config) SelfAddress() (types.Address, error) {
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return types.Address{}, fmt.Errorf("%w: port %d", types.ErrInvalidAddress, c.P2P.Port)
	}
	return types.NewAddress(c.AdvertiseHost(), uint16(c.P2P.Port)), nil
}

// Seed returns the parsed connect address, or the zero address for a seed node.
func (c *Config) Seed() (types.Address, error) {
	if c.P2P.Connect == "" {
		return types.Address{}, nil
	}
	return types.ParseAddress(c.P2P.Connect)
}

// RPCPort returns the effective RPC port.
func (c *Config) RPCPort() int {
	if c.RPC.Port != 0 {
		return c.RPC.Port
	}
	return c.P2P.Port + RPCPortOffset
}

// RPCAddress returns the RPC bind address in host:port form.
func (c *Config) RPCAddress() string {
	return net.JoinHostPort(c.RPC.Addr, strconv.Itoa(c.RPCPort()))
}

// EffectiveRoundTimeout returns the round timeout, falling back to the period.
func (c *Config) EffectiveRoundTimeout() time.Duration {
	if c.Gossip.RoundTimeout > 0 {
		return c.Gossip.RoundTimeout
	}
	return c.Gossip.Period
}
