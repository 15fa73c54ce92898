// Package transport provides the Diameter connection-layer bindings of
// RFC 6733 section 2.1: TCP and SCTP, both framed the same way (section
// 4.4 of the spec this package implements against) and both exposing the
// same Connection/Listener surface so the agent package never has to know
// which transport it was handed.
package transport

import (
	"fmt"
	"net"

	"github.com/nabstractio/diameterstack"
)

// Protocol identifies a Diameter transport binding.
type Protocol int

const (
	TCP Protocol = iota
	SCTP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case SCTP:
		return "sctp"
	default:
		return "unknown"
	}
}

// DefaultPort is the IANA-assigned Diameter port, used by both bindings.
const DefaultPort = 3868

// Address is a transport-agnostic endpoint: SCTP associations may bind or
// connect over more than one local address (multi-homing), so Address
// carries a slice rather than a single net.IP.
type Address struct {
	IPs  []net.IP
	Port int
}

func (a Address) String() string {
	if len(a.IPs) == 0 {
		return fmt.Sprintf(":%d", a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IPs[0].String(), a.Port)
}

// Connection wraps an established Diameter transport connection. It embeds
// net.Conn so it can be handed directly to the agent package's
// PeerStateManager constructors, and adds Send/RecvMessage convenience
// methods that operate on whole diameter.Message values; framing is
// handled internally by a diameter.MessageStreamReader shared by both
// bindings.
type Connection interface {
	net.Conn
	Send(m *diameter.Message) error
	RecvMessage() (*diameter.Message, error)
}

// Listener accepts inbound Diameter transport connections.
type Listener interface {
	Accept() (Connection, error)
	Close() error
	Addr() net.Addr
}

// Connect dials a Diameter peer over the given protocol. local may be the
// zero Address to let the operating system pick the local endpoint.
func Connect(protocol Protocol, local Address, remote Address) (Connection, error) {
	switch protocol {
	case TCP:
		return connectTCP(local, remote)
	case SCTP:
		return connectSCTP(local, remote)
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %v", protocol)
	}
}

// Listen starts accepting Diameter transport connections on local.
func Listen(protocol Protocol, local Address) (Listener, error) {
	switch protocol {
	case TCP:
		return listenTCP(local)
	case SCTP:
		return listenSCTP(local)
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %v", protocol)
	}
}

// connOverNetConn adapts any net.Conn (TCP or SCTP, both satisfy the
// interface) into a Connection by embedding it directly (so Read/Write/
// Close/deadlines pass straight through, satisfying net.Conn on behalf of
// the agent package) and layering a diameter.MessageStreamReader over it
// for the Send/RecvMessage convenience methods.
type connOverNetConn struct {
	net.Conn
	reader *diameter.MessageStreamReader
}

func newConnOverNetConn(conn net.Conn) *connOverNetConn {
	return &connOverNetConn{
		Conn:   conn,
		reader: diameter.NewMessageStreamReader(conn),
	}
}

func (c *connOverNetConn) Send(m *diameter.Message) error {
	_, err := c.Conn.Write(m.Encode())
	return err
}

func (c *connOverNetConn) RecvMessage() (*diameter.Message, error) {
	return c.reader.ReadNextMessage()
}
