package rpc

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// ── Gossip handlers ─────────────────────────────────────────────────────

func (s *Server) handleGossipGetView(_ *Request) (interface{}, *Error) {
	view := s.registry.Snapshot()
	return &ViewResult{
		Self:   s.registry.Self().String(),
		Count:  view.Len(),
		Digest: view.Digest().String(),
		Peers:  view,
	}, nil
}

func (s *Server) handleGossipGetState(_ *Request) (interface{}, *Error) {
	result := &StateResult{
		State:         s.engine.State().String(),
		Rounds:        s.engine.Rounds(),
		PeriodSeconds: int64(s.engine.Period().Seconds()),
		DroppedTicks:  s.engine.DroppedTicks(),
	}
	if seed := s.engine.Seed(); !seed.IsZero() {
		result.Seed = seed.String()
	}
	return result, nil
}

// ── Network handlers ────────────────────────────────────────────────────

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	self := s.registry.Self()
	result := &NodeInfoResult{
		Self:     self.String(),
		Listen:   s.listenAddr,
		Version:  s.version,
		Known:    s.registry.Snapshot().Len(),
		Sessions: s.network.SessionCount(),
	}
	if ma, err := self.Multiaddr(); err == nil {
		result.Multiaddr = ma.String()
	}
	return result, nil
}

func (s *Server) handleNetGetSessions(_ *Request) (interface{}, *Error) {
	sessions := s.network.Sessions()
	return &SessionsResult{Count: len(sessions), Sessions: sessions}, nil
}

func (s *Server) handleNetGetFailures(_ *Request) (interface{}, *Error) {
	failures := s.network.Failures()
	return &FailuresResult{Count: len(failures), Failures: failures}, nil
}

func (s *Server) handleNetConnect(ctx context.Context, req *Request) (interface{}, *Error) {
	var p ConnectParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(p.Addr)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid addr: %v", err)}
	}
	if addr == s.registry.Self() {
		return nil, &Error{Code: CodeInvalidParams, Message: "cannot connect to self"}
	}

	if s.network.HasSession(addr) {
		return &ConnectResult{Addr: addr.String(), Connected: true, Existing: true}, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := s.network.ConnectTo(ctx, addr); err != nil {
		return nil, &Error{Code: CodeConnectFailed, Message: err.Error()}
	}

	s.logger.Info().Str("addr", addr.String()).Msg("Connected to peer via RPC")
	return &ConnectResult{Addr: addr.String(), Connected: true}, nil
}
