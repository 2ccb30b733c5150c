/*
Package conn implements the gossip plane of the node: unidirectional msgpack
streams between peers, used for block proposals, DA shares and proofs, and
catch-up transfers. A connection from node1 to node2 only ever carries data
from node1 to node2; replies travel over node2's own connection back.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is one pooled outgoing connection, wrapped with its writer and
// msgpack encoder.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the underlying connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
