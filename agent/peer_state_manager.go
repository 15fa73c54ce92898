package agent

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nabstractio/diameterstack"
)

var cachedResponseCode2001 = diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, uint32(2001))

// outboundQueueSize bounds the per-connection outbound queue (RFC 6733 does
// not pin a size; this is generous enough to absorb a burst from the
// coordinator without the queue itself becoming a memory-growth risk).
const outboundQueueSize = 64

// outboundQueueItem is one entry on a connection's outbound queue. result
// is nil for messages enqueued by node.Node's shared coordinator, which
// only ever wants to enqueue and move on; it is set for messages sent from
// the manager's own per-connection goroutine (CER/DWR/DPR and friends),
// which wait for the write's outcome before advancing the state machine.
type outboundQueueItem struct {
	msg    *diameter.Message
	result chan<- error
}

// PeerStateManagerConfig holds the timer values governing a single peer
// connection's progression through the states of RFC 6733 section 4.3.
type PeerStateManagerConfig struct {
	// CERTimeout bounds how long the receiver side waits for a
	// Capabilities-Exchange-Request after the transport opens.
	CERTimeout time.Duration
	// CEATimeout bounds how long the initiator side waits for a
	// Capabilities-Exchange-Answer after sending a CER.
	CEATimeout time.Duration
	// DWATimeout bounds how long OPEN_PENDING_DWA waits for a
	// Device-Watchdog-Answer before the connection is torn down.
	DWATimeout time.Duration
	// IdleTimeout is the jittered Tw floor (RFC 3539 section 3.4.1): how
	// long the connection may be silent before a watchdog is sent.
	IdleTimeout time.Duration
}

// DefaultPeerStateManagerConfig mirrors commonly deployed Diameter stacks:
// a 30 second watchdog floor and 10 second handshake/watchdog timeouts.
var DefaultPeerStateManagerConfig = PeerStateManagerConfig{
	CERTimeout:  10 * time.Second,
	CEATimeout:  10 * time.Second,
	DWATimeout:  10 * time.Second,
	IdleTimeout: 30 * time.Second,
}

type disconnectInitiation struct {
	returnChannel chan<- error
	reason        DisconnectReason
}

type PeerStateManager struct {
	localIdentity                 *DiameterEntity
	transport                     net.Conn
	messageReaderChannel          chan *messageReaderEvent
	disconnectNotificationChannel chan *disconnectInitiation
	eventChannel                  chan<- *PeerStateEvent
	cachedAVPs                    *diameterEntityCache
	sequenceGenerator             *diameter.SequenceGenerator
	quitChannel                   chan bool
	outboundChannel               chan outboundQueueItem
	writerDoneChannel             chan struct{}
	peer                          *Peer
	initialState                  InitialPeerState
	config                        PeerStateManagerConfig
	isKnownPeer                   func(originHost string) bool
	logger                        log.Logger
}

// SetLogger installs a go-kit logger used for state-transition and watchdog
// diagnostics. The default is a no-op logger.
func (manager *PeerStateManager) SetLogger(logger log.Logger) {
	manager.logger = logger
}

func NewInitiatorPeerStateManager(localIdentity *DiameterEntity, conn net.Conn, eventChannel chan<- *PeerStateEvent) *PeerStateManager {
	return NewInitiatorPeerStateManagerWithConfig(localIdentity, conn, eventChannel, DefaultPeerStateManagerConfig)
}

func NewInitiatedPeerStateManager(localIdentity *DiameterEntity, conn net.Conn, eventChannel chan<- *PeerStateEvent) *PeerStateManager {
	return NewInitiatedPeerStateManagerWithConfig(localIdentity, conn, eventChannel, DefaultPeerStateManagerConfig)
}

func NewInitiatorPeerStateManagerWithConfig(localIdentity *DiameterEntity, conn net.Conn, eventChannel chan<- *PeerStateEvent, config PeerStateManagerConfig) *PeerStateManager {
	return newPeerStateManager(localIdentity, PeerStateStartsWithTransportOpenedTowardPeer(), conn, eventChannel, config)
}

func NewInitiatedPeerStateManagerWithConfig(localIdentity *DiameterEntity, conn net.Conn, eventChannel chan<- *PeerStateEvent, config PeerStateManagerConfig) *PeerStateManager {
	return newPeerStateManager(localIdentity, PeerStateStartsWithTransportOpenedByPeer(), conn, eventChannel, config)
}

// SetKnownPeerCheck installs a predicate used by the receiver side to decide
// whether a Capabilities-Exchange-Request from an unrecognized Origin-Host
// should be rejected with Result-Code 3010. A nil predicate (the default)
// accepts every Origin-Host.
func (manager *PeerStateManager) SetKnownPeerCheck(isKnownPeer func(originHost string) bool) {
	manager.isKnownPeer = isKnownPeer
}

func newPeerStateManager(localIdentity *DiameterEntity, initialState InitialPeerState, conn net.Conn, eventChannel chan<- *PeerStateEvent, config PeerStateManagerConfig) *PeerStateManager {
	if localIdentity == nil {
		panic("self must not be null")
	}
	if conn == nil {
		panic("conn must not be nil")
	}
	if len(localIdentity.HostIPAddresses) == 0 {
		panic("there must be at least one Host-IP-Address")
	}

	messageReaderChannel := make(chan *messageReaderEvent)
	go incomingMessageStreamReceiver(conn, messageReaderChannel)

	manager := &PeerStateManager{
		localIdentity:                 localIdentity,
		transport:                     conn,
		eventChannel:                  eventChannel,
		messageReaderChannel:          messageReaderChannel,
		disconnectNotificationChannel: make(chan *disconnectInitiation),
		cachedAVPs: &diameterEntityCache{
			ResultCode:      cachedResponseCode2001,
			OriginHost:      diameter.NewTypedAVP(264, 0, true, diameter.DiamIdent, localIdentity.OriginHost),
			OriginRealm:     diameter.NewTypedAVP(296, 0, true, diameter.DiamIdent, localIdentity.OriginRealm),
			HostIPAddresses: []*diameter.AVP{diameter.NewTypedAVP(257, 0, true, diameter.Address, localIdentity.HostIPAddresses[0])},
			VendorId:        diameter.NewTypedAVP(266, 0, true, diameter.Unsigned32, localIdentity.VendorID),
			ProductName:     diameter.NewTypedAVP(269, 0, true, diameter.UTF8String, localIdentity.ProductName),
		},
		sequenceGenerator: diameter.NewSequenceGeneratorSet(),
		quitChannel:       make(chan bool),
		outboundChannel:   make(chan outboundQueueItem, outboundQueueSize),
		writerDoneChannel: make(chan struct{}),
		initialState:      initialState,
		config:            config,
		logger:            log.NewNopLogger(),
	}

	go manager.outboundWriterLoop()

	return manager
}

func incomingMessageStreamReceiver(conn net.Conn, messageReaderChannel chan<- *messageReaderEvent) {
	messageStreamReader := diameter.NewMessageStreamReader(conn)

	for {
		msg, err := messageStreamReader.ReadNextMessage()
		if err != nil {
			messageReaderChannel <- &messageReaderEvent{
				IncomingMessage: msg,
				Error:           err,
			}
			return
		}

		messageReaderChannel <- &messageReaderEvent{
			IncomingMessage: msg,
		}
	}
}

func (manager *PeerStateManager) NewRun() {
	defer func() {
		manager.transport.Close()
		close(manager.writerDoneChannel)
		manager.eventChannel <- &PeerStateEvent{
			Type: ClosedTransportToPeerEvent,
			Conn: manager.transport,
			Peer: manager.peer,
		}
	}()

	notifier := NewPeerStateNotifier(manager.eventChannel).SetTransport(manager.transport)

	peer, aFatalErrorOccured := manager.initialState.Execute(&InitialPeerStateBuilder{
		LocalEntity:             manager.localIdentity,
		PeerMessageEventChannel: manager.messageReaderChannel,
		Transport:               manager.transport,
		Notifier:                notifier,
		PeerFactory:             NewPeerFactory(manager.SendMessageViaPeer, manager.InitiateDisconnect),
		SequenceGenerator:       manager.sequenceGenerator,
		Config:                  manager.config,
		IsKnownPeer:             manager.isKnownPeer,
	})

	if aFatalErrorOccured {
		return
	}

	messageBuilder := &MessageBuilder{
		CER: manager.generateCER,
		CEA: manager.generateCEA,
		DWR: manager.generateDWR,
		DWA: manager.generateDWA,
		DPR: manager.generateDPR,
		DPA: manager.generateDPA,
	}

	manager.peer = peer
	notifier.SetPeer(peer)
	notifier.NotifyThatDiameterConnectionHasBeenEstablished()
	level.Info(manager.logger).Log("event", "connection_established", "origin_host", peer.Identity.OriginHost)

	watchdogTimer := newWatchdogIntervalTimer(manager.config.IdleTimeout)
	watchdogArmed := true

	var dwaTimeoutTimer *time.Timer

	nextState := PeerState(NewPeerStateOpen(notifier, manager.transport, peer))

	for {
		var messageToSend *diameter.Message
		var psErr *PeerStateError

		var watchdogC <-chan time.Time
		if watchdogArmed {
			watchdogC = watchdogTimer.C
		}

		var dwaTimeoutC <-chan time.Time
		if dwaTimeoutTimer != nil {
			dwaTimeoutC = dwaTimeoutTimer.C
		}

		select {
		case disconnectInitiated := <-manager.disconnectNotificationChannel:
			switch nextState.CanInitiateDisconnectInThisState() {
			case true:
				if err := manager.SendStateMachineMessage(manager.generateDPR(disconnectInitiated.reason)); err != nil {
					disconnectInitiated.returnChannel <- err
					return
				}
				nextState = NewPeerStateClosing(notifier, manager.transport, manager.peer)
				disconnectInitiated.returnChannel <- nil

			case false:
				disconnectInitiated.returnChannel <- fmt.Errorf("cannot initiate disconnect in the current state")
			}

		case messageReaderEvent := <-manager.messageReaderChannel:
			if messageReaderEvent.Error != nil {
				if messageReaderEvent.Error == io.EOF {
					notifier.NotifyThatThePeerClosedTheTransport()
				} else {
					notifier.NotifyThatAnErrorOccurred(messageReaderEvent.Error)
				}
				notifier.NotifyThatDiameterConnectionHasBeenClosed(ClosureReasonTransport)
				return
			}

			if watchdogArmed {
				watchdogTimer.StopAndRestart()
			}

			if messageType := stateMachineMessageTypeForMessage(messageReaderEvent.IncomingMessage); messageType != notAStateMachineMessage {
				notifier.NotifyThatAStateMachineMessageWasReceivedFromThePeer(messageReaderEvent.IncomingMessage)

				switch messageType {
				case cer:
					nextState, messageToSend, psErr = nextState.ProcessIncomingCER(messageReaderEvent.IncomingMessage, messageBuilder)
				case cea:
					nextState, messageToSend, psErr = nextState.ProcessIncomingCEA(messageReaderEvent.IncomingMessage, messageBuilder)
				case dwr:
					nextState, messageToSend, psErr = nextState.ProcessIncomingDWR(messageReaderEvent.IncomingMessage, messageBuilder)
				case dwa:
					wasPendingDWA := dwaTimeoutTimer != nil
					nextState, messageToSend, psErr = nextState.ProcessIncomingDWA(messageReaderEvent.IncomingMessage, messageBuilder)
					if wasPendingDWA && psErr == nil {
						dwaTimeoutTimer.Stop()
						dwaTimeoutTimer = nil
						watchdogTimer.Restart()
						watchdogArmed = true
					}
				case dpr:
					nextState, messageToSend, psErr = nextState.ProcessIncomingDPR(messageReaderEvent.IncomingMessage, messageBuilder)
				case dpa:
					nextState, messageToSend, psErr = nextState.ProcessIncomingDPA(messageReaderEvent.IncomingMessage, messageBuilder)
				}
			} else {
				notifier.NotifyThatAMessageWasReceivedFromThePeer(messageReaderEvent.IncomingMessage)
				nextState, psErr = nextState.ProcessIncomingNonStateMachineMessage(messageReaderEvent.IncomingMessage)
			}

			if psErr != nil {
				notifier.NotifyThatAnErrorOccurred(psErr.Error)
				if psErr.initiateDisconnectPeer {
					if err := manager.SendStateMachineMessage(manager.generateDPR(DisconnectReasonDoNotWantToTalkToYou)); err != nil {
						notifier.NotifyThatAnErrorOccurred(err)
					}
				}
				return
			}

			if messageToSend != nil {
				if err := manager.SendStateMachineMessage(messageToSend); err != nil {
					notifier.NotifyThatAnErrorOccurred(err)
					return
				}
			}

			if nextState.DiameterConnectionIsClosedInThisState() {
				return
			}

		case <-watchdogC:
			level.Debug(manager.logger).Log("event", "watchdog_fired", "peer", manager.peer.Identity.OriginHost)
			dwr := manager.generateDWR()
			if err := manager.SendStateMachineMessage(dwr); err != nil {
				notifier.NotifyThatAnErrorOccurred(err)
				return
			}
			watchdogArmed = false
			dwaTimeoutTimer = newPlainTimer(manager.config.DWATimeout)
			nextState = NewPeerStateOpenPendingDWA(notifier, manager.transport, manager.peer)

		case <-dwaTimeoutC:
			level.Warn(manager.logger).Log("event", "dwa_timeout", "peer", manager.peer.Identity.OriginHost)
			notifier.NotifyThatAnErrorOccurred(fmt.Errorf("no Device-Watchdog-Answer received within dwa_timeout"))
			NewPeerStateClosed(notifier, manager.transport, manager.peer, ClosureReasonDWATimeout)
			return

		case <-manager.quitChannel:
			level.Info(manager.logger).Log("event", "local_shutdown", "peer", manager.peer.Identity.OriginHost)
			NewPeerStateClosed(notifier, manager.transport, manager.peer, ClosureReasonLocalShutdown)
			return
		}
	}
}

func (manager *PeerStateManager) InitiateDisconnect(reason DisconnectReason) error {
	c := make(chan error, 2)

	manager.disconnectNotificationChannel <- &disconnectInitiation{
		returnChannel: c,
		reason:        reason,
	}

	return <-c
}

// SendMessageViaPeer is the entry point node.Node's single coordinator
// goroutine uses to send an application message. It only ever enqueues
// onto this connection's outbound queue and returns: it never performs
// the write itself and never waits for one, so a peer whose socket is
// stalled cannot stall the coordinator's handling of every other peer.
// The queue is drained by this connection's own outboundWriterLoop
// goroutine, the single writer of manager.transport.
func (manager *PeerStateManager) SendMessageViaPeer(msg *diameter.Message) error {
	if MessageIsADiameterConnectionStateMessage(msg) {
		return fmt.Errorf("diameter connection state machine messages cannot be sent directly from client")
	}

	if msg.EndToEndID == 0 {
		msg.EndToEndID = manager.sequenceGenerator.NextEndToEndId()
	}
	if msg.HopByHopID == 0 {
		msg.HopByHopID = manager.sequenceGenerator.NextHopByHopId()
	}

	select {
	case manager.outboundChannel <- outboundQueueItem{msg: msg}:
		return nil
	default:
		return fmt.Errorf("agent: outbound queue full for peer %s", manager.peerOriginHostForLogging())
	}
}

// peerOriginHostForLogging returns the remote Origin-Host if the
// handshake has completed, or a placeholder otherwise; SendMessageViaPeer
// can in principle be called before manager.peer is assigned.
func (manager *PeerStateManager) peerOriginHostForLogging() string {
	if manager.peer == nil {
		return "unknown"
	}
	return manager.peer.Identity.OriginHost
}

func (manager *PeerStateManager) SendStateMachineMessage(msg *diameter.Message) error {
	if err := manager.sendMessage(msg); err != nil {
		return err
	}

	manager.eventChannel <- &PeerStateEvent{
		Type:    StateMachineMessageSentToPeerEvent,
		Peer:    manager.peer,
		Conn:    manager.transport,
		Message: msg,
	}

	return nil
}

// sendMessage enqueues msg on the outbound queue and blocks for the
// writer goroutine's result. Used only from the manager's own
// per-connection goroutine (state-machine messages), where waiting is
// safe: it blocks at most this one connection, never the shared
// coordinator.
func (manager *PeerStateManager) sendMessage(msg *diameter.Message) error {
	result := make(chan error, 1)
	manager.outboundChannel <- outboundQueueItem{msg: msg, result: result}
	return <-result
}

// outboundWriterLoop is the only goroutine that ever writes to
// manager.transport, draining the outbound queue one message at a time.
// This is the connection's single-producer (state machine and
// SendMessageViaPeer, both of which only enqueue) / single-consumer
// (this loop) outbound queue.
func (manager *PeerStateManager) outboundWriterLoop() {
	for {
		select {
		case item := <-manager.outboundChannel:
			err := manager.writeToTransport(item.msg)
			if item.result != nil {
				item.result <- err
			}

		case <-manager.writerDoneChannel:
			return
		}
	}
}

func (manager *PeerStateManager) writeToTransport(msg *diameter.Message) error {
	_, err := manager.transport.Write(msg.Encode())
	if err == nil {
		return nil
	}

	if err == io.EOF {
		manager.eventChannel <- &PeerStateEvent{
			Type: PeerClosedTransportEvent,
			Peer: manager.peer,
			Conn: manager.transport,
		}
		return nil
	}

	return err
}

type stateMachineMessageType int

const (
	cer stateMachineMessageType = iota
	cea
	dwr
	dwa
	dpr
	dpa
	notAStateMachineMessage
)

func stateMachineMessageTypeForMessage(m *diameter.Message) stateMachineMessageType {
	if m.AppID == 0 {
		switch m.Code {
		case CapabilitiesExchangeCode:
			if m.IsRequest() {
				return cer
			}
			return cea

		case DeviceWatchdogCode:
			if m.IsRequest() {
				return dwr
			}
			return dwa

		case DisconnectPeerCode:
			if m.IsRequest() {
				return dpr
			}
			return dpa
		}
	}

	return notAStateMachineMessage
}

func (manager *PeerStateManager) generateCER() *diameter.Message {
	return diameter.NewMessage(
		diameter.MsgFlagRequest,
		CapabilitiesExchangeCode,
		0,
		manager.sequenceGenerator.NextHopByHopId(),
		manager.sequenceGenerator.NextEndToEndId(),
		manager.localIdentity.CapabilitiesExchangeMandatoryAvps(),
		nil)
}

func (manager *PeerStateManager) generateCEA(forCER *diameter.Message) *diameter.Message {
	return forCER.GenerateMatchingResponseWithAvps(
		manager.localIdentity.CapabilitiesExchangeMandatoryAvpsWithResultCode(cachedResponseCode2001),
		nil,
	)
}

func (manager *PeerStateManager) generateDWR() *diameter.Message {
	return diameter.NewMessage(
		diameter.MsgFlagRequest,
		DeviceWatchdogCode,
		0,
		manager.sequenceGenerator.NextHopByHopId(),
		manager.sequenceGenerator.NextEndToEndId(),
		[]*diameter.AVP{
			manager.localIdentity.OriginHostAvp(),
			manager.localIdentity.OriginRealmAvp(),
		},
		nil)
}

func (manager *PeerStateManager) generateDWA(forDWR *diameter.Message) *diameter.Message {
	return forDWR.GenerateMatchingResponseWithAvps(
		[]*diameter.AVP{
			cachedResponseCode2001,
			manager.localIdentity.OriginHostAvp(),
			manager.localIdentity.OriginRealmAvp(),
		},
		nil,
	)
}

func (manager *PeerStateManager) generateDPR(reason DisconnectReason) *diameter.Message {
	return diameter.NewMessage(diameter.MsgFlagRequest, DisconnectPeerCode, 0, manager.sequenceGenerator.NextHopByHopId(), manager.sequenceGenerator.NextEndToEndId(),
		[]*diameter.AVP{
			manager.localIdentity.OriginHostAvp(),
			manager.localIdentity.OriginRealmAvp(),
			diameter.NewTypedAVP(273, 0, true, diameter.Enumerated, int32(reason)),
		},
		nil)
}

func (manager *PeerStateManager) generateDPA(forDPR *diameter.Message) *diameter.Message {
	return forDPR.GenerateMatchingResponseWithAvps(
		[]*diameter.AVP{
			cachedResponseCode2001,
			manager.localIdentity.OriginHostAvp(),
			manager.localIdentity.OriginRealmAvp(),
		},
		nil,
	)
}

func MessageIsADiameterConnectionStateMessage(m *diameter.Message) bool {
	return m.AppID == 0 && (m.Code == CapabilitiesExchangeCode || m.Code == DeviceWatchdogCode || m.Code == DisconnectPeerCode)
}

func MessageIsNotADiameterConnectionStateMessage(m *diameter.Message) bool {
	return !MessageIsADiameterConnectionStateMessage(m)
}

type InitialPeerStateBuilder struct {
	LocalEntity             *DiameterEntity
	PeerMessageEventChannel <-chan *messageReaderEvent
	Transport               net.Conn
	Notifier                *PeerStateNotifier
	PeerFactory             *PeerFactory
	SequenceGenerator       *diameter.SequenceGenerator
	Config                  PeerStateManagerConfig
	IsKnownPeer             func(originHost string) bool
}

type MessageBuilder struct {
	CER func() *diameter.Message
	DWR func() *diameter.Message
	DPR func(reason DisconnectReason) *diameter.Message

	CEA func(forCER *diameter.Message) *diameter.Message
	DWA func(forDWR *diameter.Message) *diameter.Message
	DPA func(forDPR *diameter.Message) *diameter.Message
}

type PeerStateError struct {
	Error                  error
	initiateDisconnectPeer bool
}

type InitialPeerState interface {
	Execute(b *InitialPeerStateBuilder) (peerEntityInformation *Peer, aFatalErrorOccurred bool)
}

type PeerState interface {
	ProcessIncomingCER(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingCEA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingDWR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingDWA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingDPR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingDPA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError)
	ProcessIncomingNonStateMachineMessage(m *diameter.Message) (nextState PeerState, err *PeerStateError)

	CanInitiateDisconnectInThisState() bool
	DiameterConnectionIsClosedInThisState() bool
}

type InitialPeerStatePeerOpenedTransport struct{}

func PeerStateStartsWithTransportOpenedByPeer() *InitialPeerStatePeerOpenedTransport {
	return &InitialPeerStatePeerOpenedTransport{}
}

func (s *InitialPeerStatePeerOpenedTransport) Execute(b *InitialPeerStateBuilder) (connectedPeer *Peer, aFatalErrorOccurred bool) {
	cerTimer := newPlainTimer(b.Config.CERTimeout)
	defer cerTimer.Stop()

	select {
	case messageReaderEvent := <-b.PeerMessageEventChannel:
		if messageReaderEvent.Error != nil {
			if messageReaderEvent.Error == io.EOF {
				b.Notifier.NotifyThatThePeerClosedTheTransport()
			} else {
				b.Notifier.NotifyThatAnErrorOccurred(messageReaderEvent.Error)
			}
			return nil, true
		}

		m := messageReaderEvent.IncomingMessage

		if MessageIsADiameterConnectionStateMessage(m) {
			b.Notifier.NotifyThatAStateMachineMessageWasReceivedFromThePeer(m)
		} else {
			b.Notifier.NotifyThatAMessageWasReceivedFromThePeer(m)
		}

		if m.AppID != 0 || m.Code != CapabilitiesExchangeCode || m.IsAnswer() {
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("expected Capabilities-Exchange Request"))
			return nil, true
		}

		peerIdentity, err := DiameterEntityFromCapabilitiesExchangeMessage(m)
		if err != nil {
			b.Notifier.NotifyThatAnErrorOccurred(err)
			return nil, true
		}

		if b.IsKnownPeer != nil && !b.IsKnownPeer(peerIdentity.OriginHost) {
			b.rejectCapabilitiesExchange(m, diameterUnknownPeerResultCode)
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("Capabilities-Exchange Request from unrecognized Origin-Host %q rejected", peerIdentity.OriginHost))
			return nil, true
		}

		negotiated := NegotiateApplications(b.LocalEntity, m)
		if localEntityDeclaresApplications(b.LocalEntity) && negotiated.IsEmpty() {
			b.rejectCapabilitiesExchange(m, diameterNoCommonApplicationResultCode)
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("no common application with peer %q", peerIdentity.OriginHost))
			return nil, true
		}

		peer := b.PeerFactory.NewPeerFromDiameterEntity(peerIdentity)
		peer.NegotiatedApplications = negotiated

		cea := m.GenerateMatchingResponseWithAvps(b.LocalEntity.CapabilitiesExchangeMandatoryAvpsWithResultCode(cachedResponseCode2001), nil)
		if _, err := b.Transport.Write(cea.Encode()); err != nil {
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("failed to write Capabilities-Exchange Answer: %s", err))
			return nil, true
		}

		b.Notifier.NotifyThatAStateMachineMessageWasSentToThePeer(cea)

		return peer, false

	case <-cerTimer.C:
		b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("no Capabilities-Exchange Request received within cer_timeout"))
		return nil, true
	}
}

func (b *InitialPeerStateBuilder) rejectCapabilitiesExchange(forCER *diameter.Message, resultCode uint32) {
	rejection := forCER.GenerateMatchingResponseWithAvps(
		b.LocalEntity.CapabilitiesExchangeMandatoryAvpsWithResultCode(diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, resultCode)),
		nil,
	)

	if _, err := b.Transport.Write(rejection.Encode()); err == nil {
		b.Notifier.NotifyThatAStateMachineMessageWasSentToThePeer(rejection)
	}
}

func localEntityDeclaresApplications(e *DiameterEntity) bool {
	return len(e.AuthApplicationIDs) > 0 || len(e.AcctApplicationIDs) > 0 || len(e.VendorSpecificApplications) > 0
}

type InitialPeerStatePeerTransportWasOpenedLocally struct{}

func PeerStateStartsWithTransportOpenedTowardPeer() *InitialPeerStatePeerTransportWasOpenedLocally {
	return &InitialPeerStatePeerTransportWasOpenedLocally{}
}

func (s *InitialPeerStatePeerTransportWasOpenedLocally) Execute(b *InitialPeerStateBuilder) (connectedPeer *Peer, aFatalErrorOccurred bool) {
	cer := diameter.NewMessage(diameter.MsgFlagRequest, CapabilitiesExchangeCode, 0, b.SequenceGenerator.NextHopByHopId(), b.SequenceGenerator.NextEndToEndId(), b.LocalEntity.CapabilitiesExchangeMandatoryAvps(), nil)

	if _, err := b.Transport.Write(cer.Encode()); err != nil {
		b.Notifier.NotifyThatAnErrorOccurred(err)
		return nil, true
	}

	b.Notifier.NotifyThatAStateMachineMessageWasSentToThePeer(cer)

	ceaTimer := newPlainTimer(b.Config.CEATimeout)
	defer ceaTimer.Stop()

	select {
	case messageReaderEvent := <-b.PeerMessageEventChannel:
		if messageReaderEvent.Error != nil {
			if messageReaderEvent.Error == io.EOF {
				b.Notifier.NotifyThatThePeerClosedTheTransport()
			} else {
				b.Notifier.NotifyThatAnErrorOccurred(messageReaderEvent.Error)
			}
			return nil, true
		}

		m := messageReaderEvent.IncomingMessage

		if MessageIsADiameterConnectionStateMessage(m) {
			b.Notifier.NotifyThatAStateMachineMessageWasReceivedFromThePeer(m)
		} else {
			b.Notifier.NotifyThatAMessageWasReceivedFromThePeer(m)
		}

		if m.AppID != 0 || m.Code != CapabilitiesExchangeCode || m.IsRequest() {
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("expected Capabilities-Exchange Answer"))
			return nil, true
		}

		if resultCode, ok := resultCodeOfAnswer(m); !ok || resultCode != diameterSuccessResultCode {
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("Capabilities-Exchange Answer carried Result-Code (%d), expected (%d)", resultCode, uint32(diameterSuccessResultCode)))
			return nil, true
		}

		peerIdentity, err := DiameterEntityFromCapabilitiesExchangeMessage(m)
		if err != nil {
			b.Notifier.NotifyThatAnErrorOccurred(err)
			return nil, true
		}

		negotiated := NegotiateApplications(b.LocalEntity, m)
		if localEntityDeclaresApplications(b.LocalEntity) && negotiated.IsEmpty() {
			b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("no common application with peer %q", peerIdentity.OriginHost))
			return nil, true
		}

		peer := b.PeerFactory.NewPeerFromDiameterEntity(peerIdentity)
		peer.NegotiatedApplications = negotiated

		return peer, false

	case <-ceaTimer.C:
		b.Notifier.NotifyThatAnErrorOccurred(fmt.Errorf("no Capabilities-Exchange Answer received within cea_timeout"))
		return nil, true
	}
}

type PeerStateOpen struct {
	notifier  *PeerStateNotifier
	transport net.Conn
	peer      *Peer
}

func NewPeerStateOpen(notifier *PeerStateNotifier, transport net.Conn, peer *Peer) *PeerStateOpen {
	return &PeerStateOpen{
		notifier:  notifier,
		transport: transport,
		peer:      peer,
	}
}

func (s *PeerStateOpen) DiameterConnectionIsClosedInThisState() bool {
	return false
}

func (s *PeerStateOpen) CanInitiateDisconnectInThisState() bool {
	return true
}

func (s *PeerStateOpen) ProcessIncomingCER(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Request on peer that is already connected"), true}
}
func (s *PeerStateOpen) ProcessIncomingCEA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Answer on peer that is already connected"), true}
}
func (s *PeerStateOpen) ProcessIncomingDWR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return s, b.DWA(m), nil
}
func (s *PeerStateOpen) ProcessIncomingDWA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return s, nil, nil
}
func (s *PeerStateOpen) ProcessIncomingDPR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonPeerDPR), b.DPA(m), nil
}
func (s *PeerStateOpen) ProcessIncomingDPA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received unsolicited Disconnect-Peer Answer"), true}
}

func (s *PeerStateOpen) ProcessIncomingNonStateMachineMessage(m *diameter.Message) (nextState PeerState, err *PeerStateError) {
	return s, nil
}

// PeerStateOpenPendingDWA is entered when the connection has been idle for
// longer than the watchdog interval and a Device-Watchdog-Request has been
// sent. It is left either by the arrival of a Device-Watchdog-Answer
// (returning to PeerStateOpen) or by the dwa_timeout elapsing (torn down by
// the owning PeerStateManager). See RFC 6733 section 4.3.
type PeerStateOpenPendingDWA struct {
	notifier  *PeerStateNotifier
	transport net.Conn
	peer      *Peer
}

func NewPeerStateOpenPendingDWA(notifier *PeerStateNotifier, transport net.Conn, peer *Peer) *PeerStateOpenPendingDWA {
	return &PeerStateOpenPendingDWA{
		notifier:  notifier,
		transport: transport,
		peer:      peer,
	}
}

func (s *PeerStateOpenPendingDWA) DiameterConnectionIsClosedInThisState() bool {
	return false
}

func (s *PeerStateOpenPendingDWA) CanInitiateDisconnectInThisState() bool {
	return false
}

func (s *PeerStateOpenPendingDWA) ProcessIncomingCER(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Request on peer that is already connected"), true}
}
func (s *PeerStateOpenPendingDWA) ProcessIncomingCEA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Answer on peer that is already connected"), true}
}
func (s *PeerStateOpenPendingDWA) ProcessIncomingDWR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return s, b.DWA(m), nil
}
func (s *PeerStateOpenPendingDWA) ProcessIncomingDWA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateOpen(s.notifier, s.transport, s.peer), nil, nil
}
func (s *PeerStateOpenPendingDWA) ProcessIncomingDPR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonPeerDPR), b.DPA(m), nil
}
func (s *PeerStateOpenPendingDWA) ProcessIncomingDPA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received unsolicited Disconnect-Peer Answer"), true}
}

func (s *PeerStateOpenPendingDWA) ProcessIncomingNonStateMachineMessage(m *diameter.Message) (nextState PeerState, err *PeerStateError) {
	return s, nil
}

type PeerStateClosing struct {
	notifier  *PeerStateNotifier
	transport net.Conn
	peer      *Peer
}

func NewPeerStateClosing(notifier *PeerStateNotifier, transport net.Conn, peer *Peer) *PeerStateClosing {
	return &PeerStateClosing{
		notifier:  notifier,
		transport: transport,
		peer:      peer,
	}
}

func (s *PeerStateClosing) DiameterConnectionIsClosedInThisState() bool {
	return false
}

func (s *PeerStateClosing) CanInitiateDisconnectInThisState() bool {
	return false
}

func (s *PeerStateClosing) ProcessIncomingCER(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Request on peer connection that is closing"), false}
}
func (s *PeerStateClosing) ProcessIncomingCEA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonProtocolError), nil, &PeerStateError{fmt.Errorf("received Capabilities-Exchange Answer on peer connection that is closing"), false}
}
func (s *PeerStateClosing) ProcessIncomingDWR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return s, nil, nil
}
func (s *PeerStateClosing) ProcessIncomingDWA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return s, nil, nil
}
func (s *PeerStateClosing) ProcessIncomingDPR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonPeerDPR), nil, &PeerStateError{fmt.Errorf("received Disconnect-Peer Request on peer connection that is closing"), false}
}
func (s *PeerStateClosing) ProcessIncomingDPA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, err *PeerStateError) {
	return NewPeerStateClosed(s.notifier, s.transport, s.peer, ClosureReasonLocalShutdown), nil, nil
}

func (s *PeerStateClosing) ProcessIncomingNonStateMachineMessage(m *diameter.Message) (nextState PeerState, err *PeerStateError) {
	return s, nil
}

type PeerStateClosed struct {
	notifier  *PeerStateNotifier
	transport net.Conn
	peer      *Peer
}

func NewPeerStateClosed(notifier *PeerStateNotifier, transport net.Conn, peer *Peer, reason ClosureReason) *PeerStateClosed {
	notifier.NotifyThatDiameterConnectionHasBeenClosed(reason)
	return &PeerStateClosed{notifier, transport, peer}
}

func (s *PeerStateClosed) DiameterConnectionIsClosedInThisState() bool {
	return true
}

func (s *PeerStateClosed) CanInitiateDisconnectInThisState() bool {
	return false
}

func (s *PeerStateClosed) ProcessIncomingCER(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}
func (s *PeerStateClosed) ProcessIncomingCEA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}
func (s *PeerStateClosed) ProcessIncomingDWR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}
func (s *PeerStateClosed) ProcessIncomingDWA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}
func (s *PeerStateClosed) ProcessIncomingDPR(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}
func (s *PeerStateClosed) ProcessIncomingDPA(m *diameter.Message, b *MessageBuilder) (nextState PeerState, messageToSend *diameter.Message, error *PeerStateError) {
	return s, nil, &PeerStateError{fmt.Errorf("received message from a peer that is disconnected"), false}
}

func (s *PeerStateClosed) ProcessIncomingNonStateMachineMessage(m *diameter.Message) (nextState PeerState, err *PeerStateError) {
	return s, &PeerStateError{fmt.Errorf("received message from a peer that is in a disconnected state"), false}
}

type messageReaderEvent struct {
	IncomingMessage *diameter.Message
	Error           error
}
