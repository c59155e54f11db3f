package rpc

import (
	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/internal/p2p"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeConnectFailed  = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// ConnectParam is the parameter for net_connect.
type ConnectParam struct {
	Addr string `json:"addr"`
}

// ── Result types ────────────────────────────────────────────────────────

// ViewResult is returned by gossip_getView.
type ViewResult struct {
	Self   string                  `json:"self"`
	Count  int                     `json:"count"`
	Digest string                  `json:"digest"`
	Peers  []membership.PeerRecord `json:"peers"`
}

// StateResult is returned by gossip_getState.
type StateResult struct {
	State         string `json:"state"`
	Rounds        uint64 `json:"rounds"`
	PeriodSeconds int64  `json:"period_seconds"`
	Seed          string `json:"seed,omitempty"`
	DroppedTicks  uint64 `json:"dropped_ticks"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	Self      string `json:"self"`
	Multiaddr string `json:"multiaddr"`
	Listen    string `json:"listen,omitempty"`
	Version   string `json:"version,omitempty"`
	Known     int    `json:"known"`
	Sessions  int    `json:"sessions"`
}

// SessionsResult is returned by net_getSessions.
type SessionsResult struct {
	Count    int               `json:"count"`
	Sessions []p2p.SessionInfo `json:"sessions"`
}

// FailuresResult is returned by net_getFailures.
type FailuresResult struct {
	Count    int                 `json:"count"`
	Failures []p2p.FailureRecord `json:"failures"`
}

// ConnectResult is returned by net_connect.
type ConnectResult struct {
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
	Existing  bool   `json:"existing"` // a session was already open
}
