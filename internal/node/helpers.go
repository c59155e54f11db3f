package node

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-gossip/config"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// boundPort returns the TCP port of addr, or 0.
func boundPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// rpcListenAddress returns the RPC bind address. With an ephemeral P2P
// port and no explicit RPC port the RPC server is ephemeral too.
func rpcListenAddress(cfg *config.Config) string {
	if cfg.P2P.Port == 0 && cfg.RPC.Port == 0 {
		return net.JoinHostPort(cfg.RPC.Addr, "0")
	}
	return cfg.RPCAddress()
}
