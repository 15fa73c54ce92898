// Package node implements the Diameter node: the peer table, the
// listeners accepting inbound connections, the outbound reconnect loop
// for persistent peers, and the single event loop that multiplexes all
// peer I/O and routes outbound application requests to a peer.
package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nabstractio/diameterstack"
	"github.com/nabstractio/diameterstack/agent"
	"github.com/nabstractio/diameterstack/transport"
)

// Config holds the fixed, node-wide settings: the local identity
// advertised in every Capabilities-Exchange, the listening addresses, and
// the agent package's timer defaults.
type Config struct {
	OriginHost  string
	OriginRealm string
	VendorID    uint32
	ProductName string

	HostIPAddresses []net.IP

	AuthApplicationIDs []uint32
	AcctApplicationIDs []uint32

	// TCPPort is the local TCP listen port; 0 picks an ephemeral port (the
	// actual port can be read back from Node.TCPAddr after Start). Set
	// DisableTCP to skip opening a TCP listener entirely.
	TCPPort    int
	DisableTCP bool

	// EnableSCTP opts into an additional SCTP listener on SCTPPort (0
	// picks an ephemeral port). Off by default: most environments lack an
	// SCTP-capable kernel module.
	EnableSCTP bool
	SCTPPort   int

	WakeupInterval time.Duration

	PeerStateManagerConfig agent.PeerStateManagerConfig

	Logger log.Logger

	// Stats, if set, is fed one RecordResponse call per completed
	// SendRequest round trip and one Tick call per wakeup tick. *stats.Node
	// satisfies this without node importing the stats package; an
	// embedding application wires the two together by passing its
	// *stats.Node in here.
	Stats StatsRecorder
}

// StatsRecorder is the subset of *stats.Node's API the node package
// drives directly. Defined here rather than imported so that node has no
// dependency on the stats package.
type StatsRecorder interface {
	RecordResponse(peerOriginHost string, requestType string, duration time.Duration, resultCode uint32)
	Tick()
}

// DefaultWakeupInterval matches the spec's coordinator tick cadence.
const DefaultWakeupInterval = time.Second

type outboundSend struct {
	message       *diameter.Message
	acct          bool
	awaitAnswer   bool
	timeout       time.Duration
	resultChannel chan<- outboundResult
	answerChannel chan *diameter.Message
}

type outboundResult struct {
	peer *agent.Peer
	err  error
}

// pendingKey correlates a request with its answer: Hop-by-Hop-Id is only
// unique per connection (RFC 6733 §3), so the peer it was sent to is part
// of the key.
type pendingKey struct {
	originHost string
	hopByHopID uint32
}

type pendingEntry struct {
	answerChannel chan *diameter.Message
	timer         *time.Timer
	entry         *peerEntry
	sentAt        time.Time
}

type stopRequest struct {
	timeout time.Duration
	force   bool
	done    chan struct{}
}

type addPeerRequest struct {
	config PeerConfig
}

type removePeerRequest struct {
	originHost string
}

// Node owns the peer table and the single I/O coordinator goroutine. All
// mutation of the peer table happens on that goroutine; every other
// method communicates with it over a channel.
type Node struct {
	config      Config
	logger      log.Logger
	localEntity *agent.DiameterEntity

	diameterAgent *agent.Agent

	endToEndGenerator *diameter.EndToEndIdGenerator

	peers map[string]*peerEntry

	pendingRequests       map[pendingKey]*pendingEntry
	pendingTimeoutChannel chan pendingKey
	pendingCancelChannel  chan pendingKey

	sendChannel       chan *outboundSend
	stopChannel       chan *stopRequest
	addPeerChannel    chan *addPeerRequest
	removePeerChannel chan *removePeerRequest
	reconnectChannel  chan PeerConfig
	quit              chan struct{}

	eventChannel chan *Event

	tcpAddr  net.Addr
	sctpAddr net.Addr
}

// New creates a Node. Call Start to begin listening and processing peer
// I/O; Node is otherwise inert.
func New(config Config) *Node {
	if config.WakeupInterval == 0 {
		config.WakeupInterval = DefaultWakeupInterval
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	peerStateManagerConfig := config.PeerStateManagerConfig
	if peerStateManagerConfig == (agent.PeerStateManagerConfig{}) {
		peerStateManagerConfig = agent.DefaultPeerStateManagerConfig
	}

	return &Node{
		config: config,
		logger: config.Logger,
		localEntity: &agent.DiameterEntity{
			OriginHost:         config.OriginHost,
			OriginRealm:        config.OriginRealm,
			HostIPAddresses:    toIPPointers(config.HostIPAddresses),
			VendorID:           config.VendorID,
			ProductName:        config.ProductName,
			AuthApplicationIDs: config.AuthApplicationIDs,
			AcctApplicationIDs: config.AcctApplicationIDs,
		},
		diameterAgent:         agent.NewWithConfig(peerStateManagerConfig),
		endToEndGenerator:     diameter.NewEndToEndIdGeneratorStartingAt(time.Now()),
		peers:                 make(map[string]*peerEntry),
		pendingRequests:       make(map[pendingKey]*pendingEntry),
		pendingTimeoutChannel: make(chan pendingKey, 16),
		pendingCancelChannel:  make(chan pendingKey, 16),
		sendChannel:           make(chan *outboundSend),
		stopChannel:           make(chan *stopRequest),
		addPeerChannel:        make(chan *addPeerRequest),
		removePeerChannel:     make(chan *removePeerRequest),
		reconnectChannel:      make(chan PeerConfig, 16),
		quit:                  make(chan struct{}),
		eventChannel:          make(chan *Event, 100),
	}
}

func toIPPointers(ips []net.IP) []*net.IP {
	out := make([]*net.IP, len(ips))
	for i := range ips {
		out[i] = &ips[i]
	}
	return out
}

// EventChannel surfaces node-level events (peer connected/disconnected,
// errors) to the application layer built atop this node.
func (n *Node) EventChannel() <-chan *Event {
	return n.eventChannel
}

// Start opens the configured listeners, begins dialing any persistent
// peers, and starts the event-loop goroutine. Start returns once the
// listeners are open; the event loop continues running in the
// background until Stop is called.
func (n *Node) Start(initialPeers []PeerConfig) error {
	receivers, err := n.buildReceivers()
	if err != nil {
		return err
	}

	for _, peerConfig := range initialPeers {
		n.peers[peerConfig.OriginHost] = newPeerEntry(peerConfig)
	}

	go n.diameterAgent.Run(receivers)
	go n.run()

	for _, peerConfig := range initialPeers {
		if peerConfig.Persistent {
			go n.dial(peerConfig)
		}
	}

	return nil
}

// TCPAddr returns the address the TCP listener is bound to, including the
// actual ephemeral port chosen when Config.TCPPort is 0. Returns nil if
// the node has no TCP listener.
func (n *Node) TCPAddr() net.Addr {
	return n.tcpAddr
}

// SCTPAddr is the SCTP equivalent of TCPAddr.
func (n *Node) SCTPAddr() net.Addr {
	return n.sctpAddr
}

func (n *Node) buildReceivers() ([]*agent.AgentReceiver, error) {
	var receivers []*agent.AgentReceiver

	if !n.config.DisableTCP {
		listener, err := transport.Listen(transport.TCP, transport.Address{IPs: n.config.HostIPAddresses, Port: n.config.TCPPort})
		if err != nil {
			return nil, fmt.Errorf("node: failed to listen for TCP on port %d: %w", n.config.TCPPort, err)
		}
		n.tcpAddr = listener.Addr()
		receivers = append(receivers, &agent.AgentReceiver{
			Listener:         &netListenerAdapter{listener},
			IdentityToAssert: n.localEntity,
		})
	}

	if n.config.EnableSCTP {
		listener, err := transport.Listen(transport.SCTP, transport.Address{IPs: n.config.HostIPAddresses, Port: n.config.SCTPPort})
		if err != nil {
			return nil, fmt.Errorf("node: failed to listen for SCTP on port %d: %w", n.config.SCTPPort, err)
		}
		n.sctpAddr = listener.Addr()
		receivers = append(receivers, &agent.AgentReceiver{
			Listener:         &netListenerAdapter{listener},
			IdentityToAssert: n.localEntity,
		})
	}

	return receivers, nil
}

// netListenerAdapter adapts a transport.Listener (Accept returning
// transport.Connection) to net.Listener (Accept returning net.Conn), which
// is what agent.AgentReceiver expects.
type netListenerAdapter struct {
	transport.Listener
}

func (a *netListenerAdapter) Accept() (net.Conn, error) {
	return a.Listener.Accept()
}

func (n *Node) dial(config PeerConfig) {
	conn, err := transport.Connect(config.Protocol, transport.Address{}, config.address())
	if err != nil {
		level.Warn(n.logger).Log("event", "dial_failed", "peer", config.OriginHost, "err", err)
		n.scheduleReconnect(config)
		return
	}

	n.diameterAgent.EstablishDiameterConnectionTo(conn, n.localEntity)
}

func (n *Node) scheduleReconnect(config PeerConfig) {
	wait := config.ReconnectWait
	if wait <= 0 {
		wait = 30 * time.Second
	}

	time.AfterFunc(wait, func() {
		select {
		case n.reconnectChannel <- config:
		case <-n.quit:
		}
	})
}

// AddPeer registers a peer with the node while it is running. Persistent
// peers are dialed immediately.
func (n *Node) AddPeer(config PeerConfig) {
	n.addPeerChannel <- &addPeerRequest{config: config}
}

// RemovePeer drops a peer from the table; any live connection to it is
// left alone (the caller is expected to have disconnected it first).
func (n *Node) RemovePeer(originHost string) {
	n.removePeerChannel <- &removePeerRequest{originHost: originHost}
}

// Send assigns a node-wide end-to-end id (if unset), routes the message
// to a peer via routeRequest, sends it, and returns the peer it was sent
// to. Send does not correlate an answer; use it for answers and for
// requests the caller does not need to wait on. Use SendRequest to send
// a request and wait for its matching answer.
func (n *Node) Send(msg *diameter.Message, acct bool) (*agent.Peer, error) {
	resultChannel := make(chan outboundResult, 1)

	select {
	case n.sendChannel <- &outboundSend{message: msg, acct: acct, resultChannel: resultChannel}:
	case <-n.quit:
		return nil, fmt.Errorf("node: stopped")
	}

	result := <-resultChannel
	return result.peer, result.err
}

// SendRequest routes and sends msg exactly like Send, then registers a
// pending-request entry keyed by the peer it was sent to and its
// assigned Hop-by-Hop-Id, and blocks until the matching answer arrives,
// timeout elapses, or ctx is done. The pending-request table itself is
// only ever mutated on the node's event-loop goroutine, consistent with
// every other piece of peer-table state: cancellation on ctx.Done() is
// itself delivered to that goroutine over pendingCancelChannel rather
// than deleting from the map directly, and is equivalent to an immediate
// timeout — the entry is removed and the in-flight slot freed right
// away rather than lingering until the original timeout fires.
func (n *Node) SendRequest(ctx context.Context, msg *diameter.Message, acct bool, timeout time.Duration) (*diameter.Message, error) {
	resultChannel := make(chan outboundResult, 1)
	answerChannel := make(chan *diameter.Message, 1)

	select {
	case n.sendChannel <- &outboundSend{
		message:       msg,
		acct:          acct,
		awaitAnswer:   true,
		timeout:       timeout,
		resultChannel: resultChannel,
		answerChannel: answerChannel,
	}:
	case <-n.quit:
		return nil, fmt.Errorf("node: stopped")
	case <-ctx.Done():
		return nil, diameter.ErrRequestCancelled
	}

	select {
	case result := <-resultChannel:
		if result.err != nil {
			return nil, result.err
		}
		return n.awaitAnswer(ctx, result.peer, msg, answerChannel)

	case <-n.quit:
		return nil, fmt.Errorf("node: stopped")

	case <-ctx.Done():
		// The send was already accepted onto the coordinator; a
		// pending-request entry may or may not end up registered
		// depending on how routing resolves. Finish draining resultChannel
		// in the background and cancel the entry if one was created.
		go n.cancelOnceRouted(resultChannel, msg)
		return nil, diameter.ErrRequestCancelled
	}
}

func (n *Node) awaitAnswer(ctx context.Context, peer *agent.Peer, msg *diameter.Message, answerChannel chan *diameter.Message) (*diameter.Message, error) {
	select {
	case answer := <-answerChannel:
		if answer == nil {
			return nil, diameter.ErrRequestTimeout
		}
		return answer, nil
	case <-n.quit:
		return nil, fmt.Errorf("node: stopped while awaiting answer")
	case <-ctx.Done():
		n.cancelPending(peer, msg)
		return nil, diameter.ErrRequestCancelled
	}
}

func (n *Node) cancelOnceRouted(resultChannel chan outboundResult, msg *diameter.Message) {
	result := <-resultChannel
	if result.err == nil {
		n.cancelPending(result.peer, msg)
	}
}

// cancelPending asks the event-loop goroutine to drop the pending-request
// entry for msg's Hop-by-Hop-Id against peer, if one is still registered.
func (n *Node) cancelPending(peer *agent.Peer, msg *diameter.Message) {
	if peer == nil {
		return
	}

	key := pendingKey{originHost: peer.Identity.OriginHost, hopByHopID: msg.HopByHopID}
	select {
	case n.pendingCancelChannel <- key:
	case <-n.quit:
	}
}

// Stop sends Disconnect-Peer to every connected peer and waits up to
// timeout for every peer to confirm the close. If force is true, Stop
// returns as soon as Disconnect-Peer has been sent to every peer without
// waiting for their answers; the timeout has the same effect if it
// elapses first.
func (n *Node) Stop(timeout time.Duration, force bool) {
	done := make(chan struct{})
	n.stopChannel <- &stopRequest{timeout: timeout, force: force, done: done}
	<-done
}

func (n *Node) run() {
	wakeupTicker := time.NewTicker(n.config.WakeupInterval)
	defer wakeupTicker.Stop()

	for {
		select {
		case event := <-n.diameterAgent.EventChannel():
			n.handleAgentEvent(event)

		case send := <-n.sendChannel:
			n.handleSendRequest(send)

		case req := <-n.addPeerChannel:
			n.peers[req.config.OriginHost] = newPeerEntry(req.config)
			if req.config.Persistent {
				go n.dial(req.config)
			}

		case req := <-n.removePeerChannel:
			delete(n.peers, req.originHost)

		case config := <-n.reconnectChannel:
			entry, known := n.peers[config.OriginHost]
			if known && !entry.isReady() {
				go n.dial(config)
			}

		case key := <-n.pendingTimeoutChannel:
			n.handlePendingTimeout(key)

		case key := <-n.pendingCancelChannel:
			n.handlePendingCancel(key)

		case <-wakeupTicker.C:
			n.onWakeup()

		case req := <-n.stopChannel:
			n.handleStop(req)
			return
		}
	}
}

func (n *Node) handleSendRequest(send *outboundSend) {
	entry, err := n.routeRequest(send.message, send.acct)
	if err != nil {
		send.resultChannel <- outboundResult{err: err}
		return
	}

	if send.message.EndToEndID == 0 {
		send.message.EndToEndID = n.endToEndGenerator.Next()
	}

	entry.inFlight++
	err = entry.peer.SendMessage(send.message)
	if err != nil {
		entry.inFlight--
		send.resultChannel <- outboundResult{err: err}
		return
	}

	if send.awaitAnswer {
		key := pendingKey{originHost: entry.config.OriginHost, hopByHopID: send.message.HopByHopID}
		n.pendingRequests[key] = &pendingEntry{
			answerChannel: send.answerChannel,
			entry:         entry,
			sentAt:        time.Now(),
			timer: time.AfterFunc(send.timeout, func() {
				select {
				case n.pendingTimeoutChannel <- key:
				case <-n.quit:
				}
			}),
		}
	}

	send.resultChannel <- outboundResult{peer: entry.peer}
}

func (n *Node) handlePendingTimeout(key pendingKey) {
	pending, known := n.pendingRequests[key]
	if !known {
		return
	}

	delete(n.pendingRequests, key)
	pending.entry.inFlight--
	pending.answerChannel <- nil
}

// handlePendingCancel drops a pending-request entry on cancellation. The
// caller that owned it has already returned ErrRequestCancelled by the
// time this runs, so unlike handlePendingTimeout there is nothing left to
// deliver on pending.answerChannel.
func (n *Node) handlePendingCancel(key pendingKey) {
	pending, known := n.pendingRequests[key]
	if !known {
		return
	}

	delete(n.pendingRequests, key)
	pending.timer.Stop()
	pending.entry.inFlight--
}

// completePendingRequest matches an inbound answer against the pending
// table and, if found, delivers it and clears the entry. Answers that
// match nothing pending (duplicate, or the wait already timed out) are
// dropped.
func (n *Node) completePendingRequest(peer *agent.Peer, msg *diameter.Message) bool {
	if peer == nil {
		return false
	}

	key := pendingKey{originHost: peer.Identity.OriginHost, hopByHopID: msg.HopByHopID}
	pending, known := n.pendingRequests[key]
	if !known {
		return false
	}

	delete(n.pendingRequests, key)
	pending.timer.Stop()
	pending.entry.inFlight--

	if n.config.Stats != nil {
		n.config.Stats.RecordResponse(peer.Identity.OriginHost, fmt.Sprintf("%d", msg.Code), time.Since(pending.sentAt), resultCodeOf(msg))
	}

	pending.answerChannel <- msg
	return true
}

// resultCodeOf decodes the Result-Code AVP (268) from an answer, 0 if
// absent or undecodable.
func resultCodeOf(msg *diameter.Message) uint32 {
	avp := msg.FirstAvpMatching(0, 268)
	if avp == nil {
		return 0
	}

	decoded, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
	if err != nil {
		return 0
	}

	return decoded.(uint32)
}

func (n *Node) handleAgentEvent(event *agent.AgentEvent) {
	switch event.Type {
	case agent.DiameterConnectionEstablishedEvent:
		n.onPeerConnected(event.Peer)
	case agent.DiameterConnectionClosedEvent:
		n.onPeerDisconnected(event.Peer, event.ClosureReason)
	case agent.MessageReceivedFromPeerEvent:
		n.onApplicationMessage(event.Peer, event.Message)
	case agent.ErrorEvent:
		level.Warn(n.logger).Log("event", "peer_error", "err", event.Error)
		n.publish(&Event{Type: ErrorEvent, Error: event.Error})
	}
}

// onApplicationMessage handles a non-state-machine Diameter message
// (the CER/DWR/DPR handshake traffic never reaches here; the agent
// package answers those itself). Answers are matched against the
// pending-request table; requests are handed to whatever application is
// built atop this node via AppMessageReceivedEvent.
func (n *Node) onApplicationMessage(peer *agent.Peer, msg *diameter.Message) {
	if msg == nil {
		return
	}

	if msg.IsAnswer() {
		if !n.completePendingRequest(peer, msg) {
			level.Warn(n.logger).Log("event", "unmatched_answer", "app_id", msg.AppID, "hop_by_hop_id", msg.HopByHopID)
		}
		return
	}

	n.publish(&Event{Type: AppMessageReceivedEvent, Peer: peer, Message: msg})
}

func (n *Node) onPeerConnected(peer *agent.Peer) {
	if peer == nil {
		return
	}

	entry, known := n.peers[peer.Identity.OriginHost]
	if !known {
		entry = newPeerEntry(PeerConfig{OriginHost: peer.Identity.OriginHost, Realm: peer.Identity.OriginRealm})
		n.peers[peer.Identity.OriginHost] = entry
	}

	entry.peer = peer
	entry.connectedAt = time.Now()
	entry.inFlight = 0

	level.Info(n.logger).Log("event", "peer_connected", "origin_host", peer.Identity.OriginHost)
	n.publish(&Event{Type: PeerConnectedEvent, Peer: peer})
}

func (n *Node) onPeerDisconnected(peer *agent.Peer, reason agent.ClosureReason) {
	if peer == nil {
		return
	}

	entry, known := n.peers[peer.Identity.OriginHost]
	if !known {
		return
	}

	entry.peer = nil
	entry.lastDisconnectAt = time.Now()
	entry.lastDisconnectReason = reason
	entry.inFlight = 0

	level.Info(n.logger).Log("event", "peer_disconnected", "origin_host", peer.Identity.OriginHost, "reason", reason)
	n.publish(&Event{Type: PeerDisconnectedEvent, Peer: peer, ClosureReason: reason})

	if entry.config.Persistent {
		n.scheduleReconnect(entry.config)
	}
}

func (n *Node) onWakeup() {
	if n.config.Stats != nil {
		n.config.Stats.Tick()
	}
}

func (n *Node) handleStop(req *stopRequest) {
	defer close(req.done)
	defer close(n.quit)

	deadline := time.After(req.timeout)

	for _, entry := range n.peers {
		if entry.isReady() {
			entry.peer.InitiateDisconnectWithReason(agent.DisconnectReasonRebooting)
		}
	}

	if req.force {
		return
	}

	for {
		if n.allPeersQuiescent() {
			return
		}

		select {
		case event := <-n.diameterAgent.EventChannel():
			n.handleAgentEvent(event)
			if n.allPeersQuiescent() {
				return
			}
		case <-deadline:
			return
		}
	}
}

func (n *Node) allPeersQuiescent() bool {
	for _, entry := range n.peers {
		if entry.isReady() {
			return false
		}
	}
	return true
}

func (n *Node) publish(event *Event) {
	select {
	case n.eventChannel <- event:
	default:
		level.Warn(n.logger).Log("event", "event_channel_full", "dropped_event_type", event.Type)
	}
}
