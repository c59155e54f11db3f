// Gossip peer daemon.
//
// Usage:
//
//	gossipd [--port=8080] [--period=5] [--connect=host:port]  Run a peer
//	gossipd --init-config                                      Write gossip.conf
//	gossipd --help                                             Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-gossip/config"
	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/internal/node"
	"github.com/Klingon-tech/klingnet-gossip/internal/telemetry"
)

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		fatal("%v", err)
	}

	switch {
	case flags.Help:
		config.PrintUsage(os.Stdout)
		return
	case flags.Version:
		fmt.Printf("gossipd %s\n", config.Version)
		return
	case flags.InitConfig:
		initConfig(flags.Config)
		return
	}

	telemetry.SetBuildInfo(config.Version)

	n, err := node.New(cfg)
	if err != nil {
		fatal("%v", err)
	}

	if err := n.Start(); err != nil {
		n.Stop()
		fatal("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
	klog.Close()
}

// initConfig writes the default config file, refusing to overwrite.
func initConfig(path string) {
	if path == "" {
		path = config.DefaultConfigFiles[0]
	}
	if _, err := os.Stat(path); err == nil {
		fatal("%s already exists", path)
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		fatal("write config: %v", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
