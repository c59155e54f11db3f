package config

import "strings"

// EnvPrefix prefixes environment variables that mirror config keys,
// e.g. GOSSIP_P2P_PORT for p2p.port.
const EnvPrefix = "GOSSIP_"

// envAliases are the bare lowercase variables a .env-style setup exports.
var envAliases = map[string]string{
	"port":      "p2p.port",
	"period":    "gossip.period",
	"connect":   "p2p.connect",
	"log_level": "log.level",
}

// envKeys lists every config key that can come from the environment.
var envKeys = []string{
	"p2p.listen", "p2p.port", "p2p.advertise", "p2p.connect",
	"p2p.dial_timeout", "p2p.write_timeout", "p2p.max_message_size",
	"p2p.dial_rate", "p2p.max_sends",
	"gossip.period", "gossip.bootstrap_retry", "gossip.round_timeout",
	"rpc.enabled", "rpc.addr", "rpc.port", "rpc.allowed", "rpc.cors", "rpc.metrics",
	"log.level", "log.file", "log.json",
}

// EnvName returns the prefixed environment variable for a config key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadEnv collects config values from the environment through lookup
// (usually os.LookupEnv). Prefixed variables win over bare aliases.
func LoadEnv(lookup func(string) (string, bool)) map[string]string {
	values := make(map[string]string)
	for alias, key := range envAliases {
		if v, ok := lookup(alias); ok && v != "" {
			values[key] = v
		}
	}
	for alias, key := range envAliases {
		if v, ok := lookup(EnvName(alias)); ok && v != "" {
			values[key] = v
		}
	}
	for _, key := range envKeys {
		if v, ok := lookup(EnvName(key)); ok && v != "" {
			values[key] = v
		}
	}
	return values
}
