package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
)

const maxAcceptBackoff = time.Second

// Acceptor takes ownership of accepted connections.
type Acceptor interface {
	Accept(conn net.Conn)
}

// Listener accepts inbound TCP connections and hands them to an Acceptor.
type Listener struct {
	addr     string
	acceptor Acceptor
	logger   zerolog.Logger

	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewListener creates a listener for addr ("host:port"). Nothing is bound
// until Listen or Serve is called.
func NewListener(addr string) *Listener {
	return &Listener{
		addr:   addr,
		logger: klog.WithComponent(klog.ComponentP2P),
	}
}

// Listen binds the socket. Port 0 picks a free port; see Addr.
func (l *Listener) Listen() error {
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("p2p listen %s: %w", l.addr, err)
	}
	l.ln = ln
	return nil
}

// Serve starts handing accepted connections to acceptor in the
// background, binding first if needed.
func (l *Listener) Serve(acceptor Acceptor) error {
	if acceptor == nil {
		return errors.New("p2p listener: nil acceptor")
	}
	if err := l.Listen(); err != nil {
		return err
	}
	l.acceptor = acceptor
	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info().Str("addr", l.ln.Addr().String()).Msg("Listening for peers")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting and waits for the accept loop to exit.
func (l *Listener) Close() error {
	if l.ln == nil || !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.acceptor.Accept(conn)
	}
}
