// gossipctl is a command-line client for a running gossipd.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/internal/rpc"
	"github.com/Klingon-tech/klingnet-gossip/internal/rpcclient"
)

func main() {
	rpcURL := "http://127.0.0.1:9080"
	jsonOut := false

	// Scan for --rpc and --json before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--json":
			jsonOut = true
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c := &cli{client: rpcclient.New(rpcURL), json: jsonOut}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "view":
		c.view()
	case "state":
		c.state()
	case "info":
		c.info()
	case "sessions":
		c.sessions()
	case "failures":
		c.failures()
	case "connect":
		c.connect(cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: gossipctl [global flags] <command> [args]

Global flags:
  --rpc <url>    RPC endpoint (default: http://127.0.0.1:9080)
  --json         Print raw JSON results

Commands:
  view           Known peers with versions and payloads
  state          Gossip engine state and round counters
  info           Node address and listener
  sessions       Open peer sessions
  failures       Peers that failed to connect or receive
  connect ADDR   Open a session to ADDR (host:port or multiaddr)
`)
}

type cli struct {
	client *rpcclient.Client
	json   bool
}

// call invokes method and, in --json mode, prints the result and exits.
func (c *cli) call(method string, params, result interface{}) bool {
	if err := c.client.Call(method, params, result); err != nil {
		fatal("%s: %v", method, err)
	}
	if !c.json {
		return false
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(data))
	return true
}

// ── view ────────────────────────────────────────────────────────────────

func (c *cli) view() {
	var res rpc.ViewResult
	if c.call("gossip_getView", nil, &res) {
		return
	}

	fmt.Printf("Self:    %s\n", res.Self)
	fmt.Printf("Peers:   %d\n", res.Count)
	fmt.Printf("Digest:  %s\n", res.Digest)
	for _, p := range res.Peers {
		seen := time.UnixMilli(p.LastSeen).Format(time.RFC3339)
		fmt.Printf("  %-21s v%-6d seen %s  %s\n", p.Addr, p.Version, seen, p.Payload)
	}
}

// ── state ───────────────────────────────────────────────────────────────

func (c *cli) state() {
	var res rpc.StateResult
	if c.call("gossip_getState", nil, &res) {
		return
	}

	seed := res.Seed
	if seed == "" {
		seed = "none (seed node)"
	}
	fmt.Printf("State:    %s\n", res.State)
	fmt.Printf("Seed:     %s\n", seed)
	fmt.Printf("Period:   %ds\n", res.PeriodSeconds)
	fmt.Printf("Rounds:   %d\n", res.Rounds)
	fmt.Printf("Dropped:  %d\n", res.DroppedTicks)
}

// ── info ────────────────────────────────────────────────────────────────

func (c *cli) info() {
	var res rpc.NodeInfoResult
	if c.call("net_getNodeInfo", nil, &res) {
		return
	}

	fmt.Printf("Self:      %s\n", res.Self)
	fmt.Printf("Multiaddr: %s\n", res.Multiaddr)
	fmt.Printf("Listen:    %s\n", res.Listen)
	fmt.Printf("Version:   %s\n", res.Version)
	fmt.Printf("Known:     %d\n", res.Known)
	fmt.Printf("Sessions:  %d\n", res.Sessions)
}

// ── sessions ────────────────────────────────────────────────────────────

func (c *cli) sessions() {
	var res rpc.SessionsResult
	if c.call("net_getSessions", nil, &res) {
		return
	}

	fmt.Printf("Sessions: %d\n", res.Count)
	for _, s := range res.Sessions {
		opened := time.Unix(s.OpenedAt, 0).Format(time.RFC3339)
		fmt.Printf("  %-21s %-8s remote %s (opened %s)\n", s.Addr, s.Direction, s.Remote, opened)
	}
}

// ── failures ────────────────────────────────────────────────────────────

func (c *cli) failures() {
	var res rpc.FailuresResult
	if c.call("net_getFailures", nil, &res) {
		return
	}

	fmt.Printf("Failing peers: %d\n", res.Count)
	for _, f := range res.Failures {
		last := time.Unix(f.LastFailure, 0).Format(time.RFC3339)
		fmt.Printf("  %-21s %d in a row, %d total, last %s: %s\n", f.Addr, f.Consecutive, f.Total, last, f.LastError)
	}
}

// ── connect ─────────────────────────────────────────────────────────────

func (c *cli) connect(args []string) {
	if len(args) != 1 {
		fatal("usage: gossipctl connect <host:port>")
	}
	var res rpc.ConnectResult
	if c.call("net_connect", rpc.ConnectParam{Addr: args[0]}, &res) {
		return
	}
	fmt.Printf("Connected to %s\n", res.Addr)
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
