package config

import "time"

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		P2P: P2PConfig{
			ListenAddr:         "127.0.0.1",
			Port:               8080,
			DialTimeout:        5 * time.Second,
			WriteTimeout:       5 * time.Second,
			MaxMessageSize:     4 << 20,
			DialRate:           20,
			MaxConcurrentSends: 32,
		},
		Gossip: GossipConfig{
			Period:         5 * time.Second,
			BootstrapRetry: 10 * time.Second,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			AllowedIPs: []string{"127.0.0.1"},
			Metrics:    true,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
