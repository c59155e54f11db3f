package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default config file locations, tried in order when --config is not given.
var DefaultConfigFiles = []string{"gossip.conf", ".env"}

// LoadFile loads node configuration from a .conf or .env file.
// Format: key = value (one per line, # for comments). A missing file
// yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// findConfigFile returns the first default config file that exists, or "".
func findConfigFile() string {
	for _, path := range DefaultConfigFiles {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key. The short keys port, period,
// connect and log_level are the .env names.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// P2P
	case "p2p.listen", "listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port", "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.advertise":
		cfg.P2P.Advertise = value
	case "p2p.connect", "connect":
		cfg.P2P.Connect = value
	case "p2p.dial_timeout":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.P2P.DialTimeout = d
	case "p2p.write_timeout":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.P2P.WriteTimeout = d
	case "p2p.max_message_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxMessageSize = n
	case "p2p.dial_rate":
		r, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		cfg.P2P.DialRate = r
	case "p2p.max_sends":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxConcurrentSends = n

	// Gossip
	case "gossip.period", "period":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.Gossip.Period = d
	case "gossip.bootstrap_retry":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.Gossip.BootstrapRetry = d
	case "gossip.round_timeout":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.Gossip.RoundTimeout = d

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)
	case "rpc.metrics":
		cfg.RPC.Metrics = parseBool(value)

	// Logging
	case "log.level", "log_level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseSeconds parses a bare integer as seconds, or a Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("expected seconds or a duration such as 1500ms")
	}
	return d, nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Gossip Node Configuration
#
# Precedence: defaults < this file < environment < command-line flags.
# Durations accept plain seconds (5) or Go durations (1500ms).

# ============================================================================
# P2P
# ============================================================================

p2p.listen = 127.0.0.1
p2p.port = 8080

# Host other peers should dial. Required when p2p.listen is 0.0.0.0.
# p2p.advertise = 203.0.113.7

# Seed node to join (host:port or /ip4/.../tcp/...). Omit on the seed itself.
# p2p.connect = 127.0.0.1:8080

p2p.dial_timeout = 5
p2p.write_timeout = 5
# p2p.max_message_size = 4194304
# p2p.dial_rate = 20
# p2p.max_sends = 32

# ============================================================================
# Gossip
# ============================================================================

gossip.period = 5
gossip.bootstrap_retry = 10
# gossip.round_timeout = 5

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
# Defaults to p2p.port + 1000
# rpc.port = 9080
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000
rpc.metrics = true

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file = output.log
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
