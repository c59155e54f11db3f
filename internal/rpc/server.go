// Package rpc implements the admin JSON-RPC 2.0 server of a gossip node.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/config"
	"github.com/Klingon-tech/klingnet-gossip/internal/gossip"
	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
	"github.com/Klingon-tech/klingnet-gossip/internal/telemetry"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// connectTimeout bounds net_connect when the request carries no deadline.
const connectTimeout = 10 * time.Second

// Membership is the read side of the peer registry.
type Membership interface {
	Self() types.Address
	Snapshot() membership.View
}

// Gossip reports the state of the gossip engine.
type Gossip interface {
	State() gossip.State
	Rounds() uint64
	DroppedTicks() uint64
	Period() time.Duration
	Seed() types.Address
}

// Network is the connection manager as seen by the API.
type Network interface {
	ConnectTo(ctx context.Context, addr types.Address) error
	HasSession(addr types.Address) bool
	SessionCount() int
	Sessions() []p2p.SessionInfo
	Failures() []p2p.FailureRecord
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr     string
	registry Membership
	engine   Gossip
	network  Network

	listenAddr string
	version    string

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet
	corsOrigins []string
	metrics     bool
}

// New creates a new RPC server. An optional RPCConfig enables IP
// filtering, CORS and the /metrics endpoint.
func New(addr string, reg Membership, engine Gossip, network Network, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:     addr,
		registry: reg,
		engine:   engine,
		network:  network,
		logger:   klog.WithComponent(klog.ComponentRPC),
	}

	if len(rpcCfg) > 0 {
		cfg := rpcCfg[0]
		s.allowedNets = parseAllowedIPs(cfg.AllowedIPs)
		s.corsOrigins = cfg.CORSOrigins
		s.metrics = cfg.Metrics
	}

	mux := http.NewServeMux()
	mux.Handle("/", telemetry.Instrument(http.HandlerFunc(s.handleRequest)))
	if s.metrics {
		mux.Handle("/metrics", s.filtered(telemetry.MetricsHandler()))
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// SetNodeInfo sets the listen address and version reported by net_getNodeInfo.
func (s *Server) SetNodeInfo(listenAddr, version string) {
	s.listenAddr = listenAddr
	s.version = version
}

// parseAllowedIPs converts a list of IP/CIDR strings to net.IPNet.
func parseAllowedIPs(ips []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, ipStr := range ips {
		_, ipNet, err := net.ParseCIDR(ipStr)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("metrics", s.metrics).Msg("RPC server started")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address. Only valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// filtered applies the IP allowlist to next.
func (s *Server) filtered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isIPAllowed(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRequest processes a single JSON-RPC request.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.isIPAllowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		s.logger.Debug().Str("method", req.Method).Int("code", rpcErr.Code).Msg(rpcErr.Message)
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}

	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	// Gossip
	case "gossip_getView":
		return s.handleGossipGetView(req)
	case "gossip_getState":
		return s.handleGossipGetState(req)

	// Network
	case "net_getNodeInfo":
		return s.handleNetGetNodeInfo(req)
	case "net_getSessions":
		return s.handleNetGetSessions(req)
	case "net_getFailures":
		return s.handleNetGetFailures(req)
	case "net_connect":
		return s.handleNetConnect(ctx, req)

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id interface{}, code int, msg string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: msg},
		ID:      id,
	})
}

// isIPAllowed checks whether the remote address is in the allowlist.
// An empty allowlist permits everyone.
func (s *Server) isIPAllowed(remoteAddr string) bool {
	if len(s.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders sets CORS headers if the request origin is allowed.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			return
		}
	}
}

// parseParams re-marshals the generic params into a typed struct.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
