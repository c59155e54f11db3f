package p2p

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// session is one transport connection to a peer. Outbound sessions start
// pending (conn == nil) and become usable once ready is closed.
type session struct {
	addr     types.Address // zero for an inbound session not yet bound
	dir      Direction
	conn     net.Conn
	openedAt time.Time

	ready chan struct{}
	err   error // dial result, valid after ready is closed

	bound bool // inbound bind attempted; read loop only

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newPendingSession(addr types.Address) *session {
	return &session{
		addr:  addr,
		dir:   DirOutbound,
		ready: make(chan struct{}),
	}
}

func newInboundSession(conn net.Conn) *session {
	s := &session{
		dir:      DirInbound,
		conn:     conn,
		openedAt: time.Now(),
		ready:    make(chan struct{}),
	}
	close(s.ready)
	return s
}

// write sends one encoded frame before the deadline. Writes are
// serialized so frames from concurrent senders never interleave.
func (s *session) write(frame []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !deadline.IsZero() {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(frame)
	return err
}

// close closes the connection once. It reports whether this call closed it.
func (s *session) close() bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closed.Store(true)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return first
}

func (s *session) remote() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// SessionInfo describes a live session for the admin API.
type SessionInfo struct {
	Addr      types.Address `json:"addr"`
	Direction string        `json:"direction"`
	Remote    string        `json:"remote"`
	OpenedAt  int64         `json:"opened_at"`
}
