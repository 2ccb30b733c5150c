package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// MsgWithSig encapsulates a received gossip message with the sender's
// ED25519 signature over its encoding.
type MsgWithSig struct {
	Msg interface{}
	Sig []byte
}

// NetworkTransport is the gossip transport between the nodes of a schain.
// It rides on a StreamLayer, usually plain TCP. Each message is framed as a
// type byte followed by the msgpack body and the signature.
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	// msgCh hands received messages to the node's dispatch loop.
	msgCh chan MsgWithSig

	reflectedTypesMap map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// MsgChan returns the channel received messages are delivered on.
func (n *NetworkTransport) MsgChan() chan MsgWithSig {
	return n.msgCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen accepts incoming connections until shutdown, backing off on accept
// errors.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if n.IsShutdown() {
				return
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(),
			"remote-address", conn.RemoteAddr().String())

		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn serves one inbound connection for its lifespan. The handler
// exits when the context is cancelled or the connection closes.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, dec); err != nil {
			if err != io.EOF && !errors.Is(err, ErrTransportShutdown) {
				n.logger.Error("failed to decode incoming message", "error", err)
			}
			return
		}
	}
}

// handleMsg decodes one framed message and delivers it on msgCh.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	msgType, err := r.ReadByte()
	if err != nil {
		return err
	}

	reflectedType, ok := n.reflectedTypesMap[msgType]
	if !ok {
		return fmt.Errorf("unknown gossip message type %d", msgType)
	}
	msgBody := reflect.Zero(reflectedType).Interface()
	if err := dec.Decode(&msgBody); err != nil {
		return err
	}

	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}

	select {
	case n.msgCh <- MsgWithSig{Msg: msgBody, Sig: sig}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// LocalAddr returns the listening address.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the transport and its listener.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.streamCancel()
		n.shutdown = true
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC, nil
}

// GetConn returns an idle pooled connection to the target, dialing a new one
// when the pool is empty.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		return netC, nil
	}

	return n.dialConn(target)
}

// ReturnConn returns the connection to the pool for reuse, or closes it when
// the pool is full.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	netConns := n.connPool[netC.target]
	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[netC.target] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// NewNetworkTransport creates a transport on the given stream layer. maxPool
// bounds the idle connections kept per peer; timeout applies to dials.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "subchain-gossip",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})

	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           maxPool,
		msgCh:             make(chan MsgWithSig, 1),
		reflectedTypesMap: reflectedTypesMap,
		logger:            logger,
		shutdownCh:        make(chan struct{}),
		stream:            stream,
		timeout:           timeout,
	}

	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// SendMsg encodes and sends one framed message over the connection. On any
// error the connection is released rather than returned to the pool.
func SendMsg(conn *NetConn, msgType uint8, args interface{}, sig []byte) error {
	if err := conn.w.WriteByte(msgType); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(args); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}
