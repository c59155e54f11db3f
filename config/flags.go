package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help       bool
	Version    bool
	InitConfig bool

	// Core
	Config string

	// P2P
	Port         int
	Period       time.Duration
	Connect      string
	Listen       string
	Advertise    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string
	Metrics    bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags. Their values apply even when zero or false,
	// so Validate sees an explicit --period=0.
	SetPort         bool
	SetPeriod       bool
	SetDialTimeout  bool
	SetWriteTimeout bool
	SetRPCPort      bool
	SetRPC          bool
	SetMetrics      bool
	SetLogJSON      bool
}

// secondsValue is a flag.Value taking plain seconds or a duration string.
type secondsValue struct{ d *time.Duration }

func (v secondsValue) String() string {
	if v.d == nil || *v.d == 0 {
		return ""
	}
	return v.d.String()
}

func (v secondsValue) Set(s string) error {
	d, err := parseSeconds(s)
	if err != nil {
		return err
	}
	*v.d = d
	return nil
}

// ParseFlags parses command-line arguments (without the program name).
// It returns flag.ErrHelp for -h/--help.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("gossipd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")
	fs.BoolVar(&f.InitConfig, "init-config", false, "Write a default config file and exit")

	// Core
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.IntVar(&f.Port, "port", 0, "Listening port (1024-65535)")
	fs.Var(secondsValue{&f.Period}, "period", "Gossip interval in seconds")
	fs.StringVar(&f.Connect, "connect", "", "Seed node address (host:port)")
	fs.StringVar(&f.Listen, "listen", "", "Listen address")
	fs.StringVar(&f.Advertise, "advertise", "", "Address peers should dial")
	fs.Var(secondsValue{&f.DialTimeout}, "dial-timeout", "Outbound dial timeout")
	fs.Var(secondsValue{&f.WriteTimeout}, "write-timeout", "Per-message write timeout")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")
	fs.BoolVar(&f.Metrics, "metrics", true, "Serve Prometheus metrics on the RPC server")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			f.Help = true
			return f, err
		}
		return nil, err
	}

	f.SetPort = isFlagSet(fs, "port")
	f.SetPeriod = isFlagSet(fs, "period")
	f.SetDialTimeout = isFlagSet(fs, "dial-timeout")
	f.SetWriteTimeout = isFlagSet(fs, "write-timeout")
	f.SetRPCPort = isFlagSet(fs, "rpc-port")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// A positional argument stops the parser; flags after it would be
	// silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	if len(f.Args) > 0 {
		return nil, fmt.Errorf("unexpected argument %q", f.Args[0])
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// P2P
	if f.SetPort {
		cfg.P2P.Port = f.Port
	}
	if f.SetPeriod {
		cfg.Gossip.Period = f.Period
	}
	if f.Connect != "" {
		cfg.P2P.Connect = f.Connect
	}
	if f.Listen != "" {
		cfg.P2P.ListenAddr = f.Listen
	}
	if f.Advertise != "" {
		cfg.P2P.Advertise = f.Advertise
	}
	if f.SetDialTimeout {
		cfg.P2P.DialTimeout = f.DialTimeout
	}
	if f.SetWriteTimeout {
		cfg.P2P.WriteTimeout = f.WriteTimeout
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.SetRPCPort {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}
	if f.SetMetrics {
		cfg.RPC.Metrics = f.Metrics
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the gossipd help text to w.
func PrintUsage(w io.Writer) {
	usage := `gossipd - simple gossip peer

Usage:
  gossipd [options]
  gossipd --help

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information
  --init-config     Write a default config file (see --config) and exit

Core Options:
  --config, -c      Config file path (default: ./gossip.conf, then ./.env)

P2P Options:
  --port            Listening port, 1024-65535 (default: 8080)
  --period          Gossip interval in seconds (default: 5)
  --connect         Seed node to join, host:port or multiaddr
                    (omit to run as a seed node)
  --listen          Listen address (default: 127.0.0.1)
  --advertise       Host other peers should dial (default: listen address)
  --dial-timeout    Outbound dial timeout (default: 5s)
  --write-timeout   Per-message write timeout (default: 5s)

RPC Options:
  --rpc             Enable RPC server (default: true)
  --rpc-addr        RPC listen address (default: 127.0.0.1)
  --rpc-port        RPC port (default: port + 1000)
  --rpc-allowed     Allowed IPs for RPC (comma-separated)
  --rpc-cors        Allowed CORS origins for RPC (comma-separated)
  --metrics         Serve /metrics on the RPC server (default: true)

Logging Options:
  --log-level       Log level: trace, debug, info, warn, error (default: info)
  --log-file        Also write JSON logs to this file
  --log-json        Output console logs as JSON

Environment:
  port, period, connect, log_level, and GOSSIP_<KEY> for any config key
  (e.g. GOSSIP_P2P_PORT, GOSSIP_GOSSIP_PERIOD).

Examples:
  # Start a seed node
  gossipd --port=8080 --period=5

  # Join it
  gossipd --port=8081 --period=6 --connect=127.0.0.1:8080
`
	fmt.Fprint(w, usage)
}

// Load resolves configuration from args and the process environment with
// the following precedence:
// 1. Default values
// 2. Config file
// 3. Environment
// 4. Command-line flags
//
// For --help and --version it returns the flags and a nil config.
func Load(args []string) (*Config, *Flags, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, flags, nil
		}
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	// Start with defaults
	cfg := Default()

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = findConfigFile()
	} else if _, err := os.Stat(configPath); err != nil && !flags.InitConfig {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	if configPath != "" && !flags.InitConfig {
		fileValues, err := LoadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config file: %w", err)
		}
		if err := ApplyFileConfig(cfg, fileValues); err != nil {
			return nil, nil, fmt.Errorf("applying config file: %w", err)
		}
	}

	if err := ApplyFileConfig(cfg, LoadEnv(lookup)); err != nil {
		return nil, nil, fmt.Errorf("applying environment: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}
