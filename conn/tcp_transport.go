package conn

import (
	"io"
	"net"
	"reflect"
	"time"
)

// StreamLayer is the low level stream abstraction under the gossip
// transport.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NewTCPTransport returns a gossip transport listening on bindAddr.
func NewTCPTransport(
	bindAddr string,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
) (*NetworkTransport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	stream := &TCPStreamLayer{listener: list.(*net.TCPListener)}
	return NewNetworkTransport(stream, timeout, logOutput, maxPool, reflectedTypesMap), nil
}
