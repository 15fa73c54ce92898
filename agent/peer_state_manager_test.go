package agent_test

import (
	"net"
	"time"

	"github.com/nabstractio/diameterstack"
	"github.com/nabstractio/diameterstack/agent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testLocalEntity(originHost string) *agent.DiameterEntity {
	ip := net.ParseIP("127.0.0.1")
	return &agent.DiameterEntity{
		OriginHost:      originHost,
		OriginRealm:     "example.com",
		HostIPAddresses: []*net.IP{&ip},
		VendorID:        0,
		ProductName:     "test-agent",
	}
}

func fastPeerStateManagerConfig() agent.PeerStateManagerConfig {
	return agent.PeerStateManagerConfig{
		CERTimeout:  300 * time.Millisecond,
		CEATimeout:  300 * time.Millisecond,
		DWATimeout:  300 * time.Millisecond,
		IdleTimeout: 6 * time.Second,
	}
}

func capabilitiesExchangeAnswerAvps(originHost string) []*diameter.AVP {
	return []*diameter.AVP{
		diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, uint32(2001)),
		diameter.NewTypedAVP(264, 0, true, diameter.DiamIdent, originHost),
		diameter.NewTypedAVP(296, 0, true, diameter.DiamIdent, "example.com"),
		diameter.NewTypedAVP(257, 0, true, diameter.Address, net.ParseIP("127.0.0.2")),
		diameter.NewTypedAVP(266, 0, true, diameter.Unsigned32, uint32(0)),
		diameter.NewTypedAVP(269, 0, true, diameter.UTF8String, "fake-peer"),
	}
}

// runFakePeer plays the role of the remote peer across conn: it answers a
// Capabilities-Exchange-Request, answers any Device-Watchdog-Request, and
// answers a Disconnect-Peer-Request before returning.
func runFakePeer(conn net.Conn, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	reader := diameter.NewMessageStreamReader(conn)

	for {
		m, err := reader.ReadNextMessage()
		if err != nil {
			return
		}

		switch {
		case m.Code == agent.CapabilitiesExchangeCode && m.IsRequest():
			cea := m.GenerateMatchingResponseWithAvps(capabilitiesExchangeAnswerAvps("server.example.com"), nil)
			if _, err := conn.Write(cea.Encode()); err != nil {
				return
			}

		case m.Code == agent.DeviceWatchdogCode && m.IsRequest():
			dwa := m.GenerateMatchingResponseWithAvps([]*diameter.AVP{
				diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, uint32(2001)),
				diameter.NewTypedAVP(264, 0, true, diameter.DiamIdent, "server.example.com"),
				diameter.NewTypedAVP(296, 0, true, diameter.DiamIdent, "example.com"),
			}, nil)
			if _, err := conn.Write(dwa.Encode()); err != nil {
				return
			}

		case m.Code == agent.DisconnectPeerCode && m.IsRequest():
			dpa := m.GenerateMatchingResponseWithAvps([]*diameter.AVP{
				diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, uint32(2001)),
				diameter.NewTypedAVP(264, 0, true, diameter.DiamIdent, "server.example.com"),
				diameter.NewTypedAVP(296, 0, true, diameter.DiamIdent, "example.com"),
			}, nil)
			conn.Write(dpa.Encode())
			return
		}
	}
}

func waitForEventType(ch <-chan *agent.PeerStateEvent, eventType agent.PeerEventType) *agent.PeerStateEvent {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Type == eventType {
				return event
			}
		case <-timeout:
			Fail("timed out waiting for expected peer state event")
			return nil
		}
	}
}

var _ = Describe("PeerStateManager", func() {
	When("the local side initiates the connection", func() {
		It("completes the Capabilities-Exchange handshake and a local Disconnect-Peer procedure", func() {
			serverConn, clientConn := net.Pipe()

			eventChannel := make(chan *agent.PeerStateEvent, 20)
			manager := agent.NewInitiatorPeerStateManagerWithConfig(testLocalEntity("client.example.com"), clientConn, eventChannel, fastPeerStateManagerConfig())

			peerDone := make(chan struct{})
			go runFakePeer(serverConn, peerDone)
			go manager.NewRun()

			established := waitForEventType(eventChannel, agent.DiameterConnectionEstablishedEvent)
			Expect(established.Peer).NotTo(BeNil())
			Expect(established.Peer.Identity.OriginHost).To(Equal("server.example.com"))
			Expect(established.Peer.Identity.HostIPAddresses).To(HaveLen(1))
			Expect(established.Peer.Identity.HostIPAddresses[0].String()).To(Equal("127.0.0.2"))

			Expect(manager.InitiateDisconnect(agent.DisconnectReasonRebooting)).To(Succeed())

			closed := waitForEventType(eventChannel, agent.DiameterConnectionClosedEvent)
			Expect(closed.ClosureReason).To(Equal(agent.ClosureReasonLocalShutdown))

			waitForEventType(eventChannel, agent.ClosedTransportToPeerEvent)

			<-peerDone
		})
	})

	When("idle_timeout is configured below the RFC 3539 floor of 6 seconds", func() {
		It("still sends a Device-Watchdog-Request and keeps the connection open", func() {
			serverConn, clientConn := net.Pipe()

			eventChannel := make(chan *agent.PeerStateEvent, 20)
			config := fastPeerStateManagerConfig()
			config.IdleTimeout = 300 * time.Millisecond
			manager := agent.NewInitiatorPeerStateManagerWithConfig(testLocalEntity("client.example.com"), clientConn, eventChannel, config)

			peerDone := make(chan struct{})
			go runFakePeer(serverConn, peerDone)
			go manager.NewRun()

			established := waitForEventType(eventChannel, agent.DiameterConnectionEstablishedEvent)
			Expect(established.Peer).NotTo(BeNil())

			// runFakePeer answers the Device-Watchdog-Request the idle timer
			// triggers, so the connection must still be open past
			// IdleTimeout + DWATimeout rather than closed on dwa-timeout.
			Consistently(func() []*agent.PeerStateEvent {
				var seen []*agent.PeerStateEvent
				for {
					select {
					case event := <-eventChannel:
						seen = append(seen, event)
					default:
						return seen
					}
				}
			}, 800*time.Millisecond, 50*time.Millisecond).ShouldNot(ContainElement(WithTransform(
				func(e *agent.PeerStateEvent) agent.PeerEventType { return e.Type },
				Equal(agent.DiameterConnectionClosedEvent),
			)))

			Expect(manager.InitiateDisconnect(agent.DisconnectReasonRebooting)).To(Succeed())

			closed := waitForEventType(eventChannel, agent.DiameterConnectionClosedEvent)
			Expect(closed.ClosureReason).To(Equal(agent.ClosureReasonLocalShutdown))

			waitForEventType(eventChannel, agent.ClosedTransportToPeerEvent)
			<-peerDone
		})
	})

	When("the peer answers the Capabilities-Exchange-Request with a non-success Result-Code", func() {
		It("does not establish a connection", func() {
			serverConn, clientConn := net.Pipe()
			defer serverConn.Close()

			eventChannel := make(chan *agent.PeerStateEvent, 20)
			manager := agent.NewInitiatorPeerStateManagerWithConfig(testLocalEntity("client.example.com"), clientConn, eventChannel, fastPeerStateManagerConfig())

			go manager.NewRun()

			reader := diameter.NewMessageStreamReader(serverConn)
			cer, err := reader.ReadNextMessage()
			Expect(err).NotTo(HaveOccurred())

			cea := cer.GenerateMatchingResponseWithAvps([]*diameter.AVP{
				diameter.NewTypedAVP(268, 0, true, diameter.Unsigned32, uint32(3010)),
				diameter.NewTypedAVP(264, 0, true, diameter.DiamIdent, "server.example.com"),
				diameter.NewTypedAVP(296, 0, true, diameter.DiamIdent, "example.com"),
				diameter.NewTypedAVP(257, 0, true, diameter.Address, net.ParseIP("127.0.0.2")),
				diameter.NewTypedAVP(266, 0, true, diameter.Unsigned32, uint32(0)),
				diameter.NewTypedAVP(269, 0, true, diameter.UTF8String, "fake-peer"),
			}, nil)

			_, err = serverConn.Write(cea.Encode())
			Expect(err).NotTo(HaveOccurred())

			event := waitForEventType(eventChannel, agent.ClosedTransportToPeerEvent)
			Expect(event.Peer).To(BeNil())
		})
	})
})
