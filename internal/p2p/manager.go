// Package p2p implements the peer transport: message framing, the
// per-address session table, and the inbound listener.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/internal/telemetry"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

var (
	errSelfDial      = errors.New("refusing to dial self")
	errManagerClosed = errors.New("connection manager closed")
)

// ConnectError reports a failed attempt to open a session.
type ConnectError struct {
	Addr types.Address
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed delivery. Err may itself be a *ConnectError.
type SendError struct {
	Addr types.Address
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Addr, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ManagerConfig holds connection manager settings. Zero fields take the
// package defaults.
type ManagerConfig struct {
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxMessageSize     int
	DialRate           float64 // dials per second; negative disables pacing
	DialBurst          int
	MaxConcurrentSends int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.DialRate == 0 {
		c.DialRate = DefaultDialRate
	}
	if c.DialBurst <= 0 {
		c.DialBurst = int(c.DialRate)
		if c.DialBurst < 1 {
			c.DialBurst = 1
		}
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = DefaultMaxConcurrentSends
	}
	return c
}

// Manager owns at most one session per peer address and delivers every
// decoded inbound message to the registered handler.
type Manager struct {
	self     types.Address
	cfg      ManagerConfig
	logger   zerolog.Logger
	limiter  *rate.Limiter
	failures *FailureTracker
	dialer   net.Dialer

	handlerMu sync.RWMutex
	handler   func(*Message)

	mu       sync.Mutex
	sessions map[types.Address]*session // by peer address, pending or live
	live     map[*session]struct{}      // every open connection
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager for the node at self.
func NewManager(self types.Address, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:     self,
		cfg:      cfg,
		logger:   klog.WithComponent(klog.ComponentP2P),
		failures: NewFailureTracker(),
		sessions: make(map[types.Address]*session),
		live:     make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.DialRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.DialRate), cfg.DialBurst)
	}
	return m
}

// SetHandler registers the callback for decoded inbound messages. It is
// called from the session's read goroutine.
func (m *Manager) SetHandler(fn func(*Message)) {
	m.handlerMu.Lock()
	m.handler = fn
	m.handlerMu.Unlock()
}

func (m *Manager) getHandler() func(*Message) {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Self returns the local node address.
func (m *Manager) Self() types.Address {
	return m.self
}

// ConnectTo opens a session to addr unless one is already open or being
// opened, in which case it waits for that attempt instead.
func (m *Manager) ConnectTo(ctx context.Context, addr types.Address) error {
	_, err := m.session(ctx, addr)
	return err
}

func (m *Manager) session(ctx context.Context, addr types.Address) (*session, error) {
	if addr == m.self {
		return nil, &ConnectError{Addr: addr, Err: errSelfDial}
	}
	if addr.IsZero() {
		return nil, &ConnectError{Addr: addr, Err: types.ErrInvalidAddress}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ConnectError{Addr: addr, Err: errManagerClosed}
	}
	if s, ok := m.sessions[addr]; ok {
		m.mu.Unlock()
		select {
		case <-s.ready:
			if s.err != nil {
				return nil, s.err
			}
			return s, nil
		case <-ctx.Done():
			return nil, &ConnectError{Addr: addr, Err: ctx.Err()}
		}
	}
	s := newPendingSession(addr)
	m.sessions[addr] = s
	m.mu.Unlock()

	conn, err := m.dial(ctx, addr)
	if err != nil {
		s.err = &ConnectError{Addr: addr, Err: err}
		m.forget(s)
		close(s.ready)

		m.failures.RecordFailure(addr, err)
		telemetry.ConnectFailures.Inc()
		m.logger.Warn().Str("peer", addr.String()).Err(err).Msg("Connect failed")
		return nil, s.err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		s.err = &ConnectError{Addr: addr, Err: errManagerClosed}
		m.forget(s)
		close(s.ready)
		return nil, s.err
	}
	s.conn = conn
	s.openedAt = time.Now()
	m.live[s] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()
	close(s.ready)

	telemetry.Sessions.WithLabelValues(DirOutbound.String()).Inc()
	m.failures.RecordSuccess(addr)
	m.logger.Debug().Str("peer", addr.String()).Msg("Connected")

	go m.readLoop(s)
	return s, nil
}

// forget removes s from the address table if it is still the entry there.
func (m *Manager) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.addr.IsZero() && m.sessions[s.addr] == s {
		delete(m.sessions, s.addr)
	}
}

func (m *Manager) dial(ctx context.Context, addr types.Address) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dial rate limit: %w", err)
		}
	}
	return m.dialer.DialContext(ctx, "tcp", addr.String())
}

// Send delivers msg to addr, opening a session first if needed. A session
// that fails to write is discarded.
func (m *Manager) Send(ctx context.Context, addr types.Address, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return &SendError{Addr: addr, Err: err}
	}
	return m.sendFrame(ctx, addr, frame)
}

func (m *Manager) sendFrame(ctx context.Context, addr types.Address, frame []byte) error {
	s, err := m.session(ctx, addr)
	if err != nil {
		telemetry.MessagesTotal.WithLabelValues(telemetry.DirSent, telemetry.ResultError).Inc()
		return &SendError{Addr: addr, Err: err}
	}

	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.write(frame, deadline); err != nil {
		m.drop(s)
		m.failures.RecordFailure(addr, err)
		telemetry.MessagesTotal.WithLabelValues(telemetry.DirSent, telemetry.ResultError).Inc()
		m.logger.Debug().Str("peer", addr.String()).Err(err).Msg("Write failed, session discarded")
		return &SendError{Addr: addr, Err: err}
	}

	telemetry.MessagesTotal.WithLabelValues(telemetry.DirSent, telemetry.ResultOK).Inc()
	return nil
}

// Broadcast sends msg to every target concurrently. It returns the
// failures keyed by address, or nil when every send succeeded.
func (m *Manager) Broadcast(ctx context.Context, msg *Message, targets []types.Address) map[types.Address]error {
	if len(targets) == 0 {
		return nil
	}

	frame, err := Encode(msg)
	if err != nil {
		failed := make(map[types.Address]error, len(targets))
		for _, addr := range targets {
			failed[addr] = &SendError{Addr: addr, Err: err}
		}
		return failed
	}

	var (
		mu     sync.Mutex
		failed map[types.Address]error
		g      errgroup.Group
	)
	g.SetLimit(m.cfg.MaxConcurrentSends)
	for _, addr := range targets {
		if addr == m.self {
			continue
		}
		addr := addr
		g.Go(func() error {
			if err := m.sendFrame(ctx, addr, frame); err != nil {
				mu.Lock()
				if failed == nil {
					failed = make(map[types.Address]error)
				}
				failed[addr] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// Accept takes ownership of an inbound connection and starts reading it.
func (m *Manager) Accept(conn net.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	s := newInboundSession(conn)
	m.live[s] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	telemetry.Sessions.WithLabelValues(DirInbound.String()).Inc()
	m.logger.Debug().Str("remote", s.remote()).Msg("Inbound connection")

	go m.readLoop(s)
}

// readLoop decodes frames until the connection fails. Any error ends the
// loop and closes this session only.
func (m *Manager) readLoop(s *session) {
	defer m.wg.Done()
	defer m.drop(s)

	r := msgio.NewReaderSize(s.conn, m.cfg.MaxMessageSize)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			m.logReadError(s, err)
			return
		}
		telemetry.MessagesTotal.WithLabelValues(telemetry.DirReceived, telemetry.ResultOK).Inc()

		if s.dir == DirInbound && !s.bound {
			m.bind(s, msg.Sender)
			s.bound = true
		}
		m.deliver(s, msg)
	}
}

func (m *Manager) deliver(s *session, msg *Message) {
	h := m.getHandler()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("remote", s.remote()).Interface("panic", r).Msg("Message handler panicked")
		}
	}()
	h(msg)
}

func (m *Manager) logReadError(s *session, err error) {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		telemetry.MessagesTotal.WithLabelValues(telemetry.DirReceived, telemetry.ResultMalformed).Inc()
		m.logger.Warn().Str("remote", s.remote()).Err(err).Msg("Malformed message, closing connection")
	case s.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		m.logger.Debug().Str("remote", s.remote()).Msg("Session closed")
	default:
		m.logger.Debug().Str("remote", s.remote()).Err(err).Msg("Read failed, closing connection")
	}
}

// bind makes an inbound session the session for sender when none exists,
// so replies reuse the peer's own connection.
func (m *Manager) bind(s *session, sender types.Address) {
	if sender.IsZero() || sender == m.self {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sender]; ok {
		return
	}
	if _, ok := m.live[s]; !ok {
		return
	}
	s.addr = sender
	m.sessions[sender] = s
}

// drop closes s and removes it from every table.
func (m *Manager) drop(s *session) {
	if !s.close() {
		return
	}
	m.mu.Lock()
	if !s.addr.IsZero() && m.sessions[s.addr] == s {
		delete(m.sessions, s.addr)
	}
	delete(m.live, s)
	m.mu.Unlock()
	telemetry.Sessions.WithLabelValues(s.dir.String()).Dec()
}

// HasSession reports whether a usable session to addr exists.
func (m *Manager) HasSession(addr types.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	return ok && s.conn != nil && !s.closed.Load()
}

// SessionCount returns the number of open connections.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Sessions lists open connections, bound ones first by address.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]SessionInfo, 0, len(m.live))
	for s := range m.live {
		list = append(list, SessionInfo{
			Addr:      s.addr,
			Direction: s.dir.String(),
			Remote:    s.remote(),
			OpenedAt:  s.openedAt.Unix(),
		})
	}
	m.mu.Unlock()

	slices.SortFunc(list, func(a, b SessionInfo) int {
		switch {
		case a.Addr.IsZero() != b.Addr.IsZero():
			if a.Addr.IsZero() {
				return 1
			}
			return -1
		case a.Addr != b.Addr:
			return a.Addr.Compare(b.Addr)
		}
		return strings.Compare(a.Remote, b.Remote)
	})
	return list
}

// Failures returns the per-address failure counters.
func (m *Manager) Failures() []FailureRecord {
	return m.failures.List()
}

// Close shuts every session and waits for the read loops to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*session, 0, len(m.live))
	for s := range m.live {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range live {
		m.drop(s)
	}
	m.wg.Wait()
	return nil
}
