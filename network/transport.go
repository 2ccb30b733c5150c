/*
Package network implements the consensus-frame plane: fixed-size binary
frames between peers, with delayed-send queues for unreachable peers and a
deferral queue for messages that arrived ahead of local progress.
*/
package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/messages"
)

// Inbound is one received frame together with the sender's ip.
type Inbound struct {
	Frame  []byte
	FromIP string
}

// Transport moves raw consensus frames between peers.
type Transport interface {
	// Send delivers one frame to the peer. It returns an error when the
	// peer is unreachable; the caller queues the frame for retry.
	Send(peer *config.NodeInfo, frame []byte) error
	// Receive returns the channel inbound frames arrive on. No frames are
	// delivered after Close.
	Receive() <-chan Inbound
	Close() error
}

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// TCPTransport sends each frame over a pooled TCP connection. Frames are
// fixed-size, so no length prefix is needed on the wire.
type TCPTransport struct {
	listener net.Listener
	logger   hclog.Logger

	connPool     map[string][]net.Conn
	connPoolLock sync.Mutex
	maxPool      int
	dialTimeout  time.Duration

	inboundCh  chan Inbound
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewTCPTransport binds the consensus listener and starts accepting.
func NewTCPTransport(bindAddr string, dialTimeout time.Duration, maxPool int, logger hclog.Logger) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		listener:    listener,
		logger:      logger.Named("transport"),
		connPool:    make(map[string][]net.Conn),
		maxPool:     maxPool,
		dialTimeout: dialTimeout,
		inboundCh:   make(chan Inbound, 1024),
		shutdownCh:  make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

// LocalAddr returns the bound listener address.
func (t *TCPTransport) LocalAddr() string {
	return t.listener.Addr().String()
}

func (t *TCPTransport) acceptLoop() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			t.logger.Error("failed to accept connection", "error", err)
			select {
			case <-t.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0
		go t.handleConn(conn)
	}
}

// handleConn reads back-to-back fixed-size frames until the peer closes.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	fromIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		fromIP = conn.RemoteAddr().String()
	}

	for {
		frame := make([]byte, messages.ConsensusMessageLen)
		if _, err := io.ReadFull(conn, frame); err != nil {
			if err != io.EOF && !t.isShutdown() {
				t.logger.Debug("connection read ended", "peer", fromIP, "error", err)
			}
			return
		}
		select {
		case t.inboundCh <- Inbound{Frame: frame, FromIP: fromIP}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *TCPTransport) isShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Send writes the frame over a pooled connection to the peer.
func (t *TCPTransport) Send(peer *config.NodeInfo, frame []byte) error {
	if t.isShutdown() {
		return ErrTransportClosed
	}
	conn, err := t.getConn(peer.ConsensusAddr())
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return err
	}
	t.returnConn(peer.ConsensusAddr(), conn)
	return nil
}

func (t *TCPTransport) getConn(target string) (net.Conn, error) {
	t.connPoolLock.Lock()
	conns := t.connPool[target]
	if len(conns) > 0 {
		conn := conns[len(conns)-1]
		t.connPool[target] = conns[:len(conns)-1]
		t.connPoolLock.Unlock()
		return conn, nil
	}
	t.connPoolLock.Unlock()
	return net.DialTimeout("tcp", target, t.dialTimeout)
}

func (t *TCPTransport) returnConn(target string, conn net.Conn) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	if t.isShutdown() || len(t.connPool[target]) >= t.maxPool {
		conn.Close()
		return
	}
	t.connPool[target] = append(t.connPool[target], conn)
}

func (t *TCPTransport) Receive() <-chan Inbound {
	return t.inboundCh
}

func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.shutdownCh)
		t.listener.Close()
		t.connPoolLock.Lock()
		for _, conns := range t.connPool {
			for _, c := range conns {
				c.Close()
			}
		}
		t.connPool = make(map[string][]net.Conn)
		t.connPoolLock.Unlock()
	})
	return nil
}
