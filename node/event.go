package node

import (
	"github.com/nabstractio/diameterstack"
	"github.com/nabstractio/diameterstack/agent"
)

// EventType enumerates the node-level events an embedding application can
// observe via Node.EventChannel.
type EventType int

const (
	PeerConnectedEvent EventType = iota
	PeerDisconnectedEvent
	AppMessageReceivedEvent
	ErrorEvent
)

func (t EventType) String() string {
	switch t {
	case PeerConnectedEvent:
		return "PeerConnectedEvent"
	case PeerDisconnectedEvent:
		return "PeerDisconnectedEvent"
	case AppMessageReceivedEvent:
		return "AppMessageReceivedEvent"
	case ErrorEvent:
		return "ErrorEvent"
	default:
		return "UnknownEvent"
	}
}

// Event is a node-level notification derived from the underlying agent
// events, surfaced to whatever application layer is built atop Node.
type Event struct {
	Type          EventType
	Peer          *agent.Peer
	Message       *diameter.Message
	Error         error
	ClosureReason agent.ClosureReason
}
