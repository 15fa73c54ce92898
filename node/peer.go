package node

import (
	"net"
	"time"

	"github.com/nabstractio/diameterstack/agent"
	"github.com/nabstractio/diameterstack/transport"
)

// PeerConfig describes a configured Diameter peer: either one the node
// dials out to (Persistent true) or one the node only ever expects to
// receive inbound connections from.
type PeerConfig struct {
	OriginHost string
	Realm      string
	Protocol   transport.Protocol
	IPs        []net.IP
	Port       int

	// Persistent peers are dialed by the node's reconnect loop whenever
	// disconnected. Non-persistent peers are only ever reached by an
	// inbound connection landing on a listener.
	Persistent bool

	// ReconnectWait bounds how long the node waits after a disconnect
	// before redialing a persistent peer.
	ReconnectWait time.Duration
}

func (c PeerConfig) address() transport.Address {
	return transport.Address{IPs: c.IPs, Port: c.Port}
}

// peerEntry is the node's view of one configured or discovered peer. All
// fields are mutated only by the node's event-loop goroutine, per the
// single-coordinator concurrency model.
type peerEntry struct {
	config PeerConfig

	peer *agent.Peer

	connectedAt          time.Time
	lastDisconnectAt     time.Time
	lastDisconnectReason ClosureReason

	inFlight          int
	roundRobinCounter uint64

	reconnectPending bool
}

func newPeerEntry(config PeerConfig) *peerEntry {
	return &peerEntry{config: config}
}

func (e *peerEntry) isReady() bool {
	return e.peer != nil
}

// acceptsApplication reports whether this peer's negotiated application
// set (established during capability exchange) includes the given
// application id for the given traffic kind.
func (e *peerEntry) acceptsApplication(appID uint32, acct bool) bool {
	if e.peer == nil || e.peer.NegotiatedApplications == nil {
		return false
	}

	ids := e.peer.NegotiatedApplications.AuthApplicationIDs
	if acct {
		ids = e.peer.NegotiatedApplications.AcctApplicationIDs
	}

	for _, id := range ids {
		if id == appID {
			return true
		}
	}
	return false
}

// ClosureReason mirrors agent.ClosureReason, recorded against the peer
// table entry so callers of Node can inspect why a peer last disconnected
// without importing the agent package themselves.
type ClosureReason = agent.ClosureReason
