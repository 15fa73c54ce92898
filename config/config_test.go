package config_test

import (
	"net"
	"time"

	"github.com/nabstractio/diameterstack/config"
	"github.com/nabstractio/diameterstack/transport"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const sampleConfig = `
[node]
origin_host = "server.example.com"
origin_realm = "example.com"
vendor_id = 10415
product_name = "diameterstack"
host_ip_addresses = ["127.0.0.1"]
auth_application_ids = [4]
acct_application_ids = [4]
tcp_port = 3868
wakeup_interval_ms = 1000

[peer.hss1]
origin_host = "hss.example.com"
realm = "example.com"
protocol = "tcp"
ip_addresses = ["10.0.0.5"]
port = 3868
persistent = true
reconnect_wait_ms = 30000
`

var _ = Describe("LoadString", func() {
	It("parses the node table", func() {
		cfg, err := config.LoadString(sampleConfig)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Node.OriginHost).To(Equal("server.example.com"))
		Expect(cfg.Node.OriginRealm).To(Equal("example.com"))
		Expect(cfg.Node.VendorID).To(Equal(uint32(10415)))
		Expect(cfg.Node.HostIPAddresses).To(Equal([]net.IP{net.ParseIP("127.0.0.1")}))
		Expect(cfg.Node.AuthApplicationIDs).To(Equal([]uint32{4}))
		Expect(cfg.Node.TCPPort).To(Equal(3868))
		Expect(cfg.Node.WakeupInterval).To(Equal(time.Second))
	})

	It("parses peer tables keyed by name", func() {
		cfg, err := config.LoadString(sampleConfig)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Peers).To(HaveLen(1))
		peer := cfg.Peers[0]
		Expect(peer.OriginHost).To(Equal("hss.example.com"))
		Expect(peer.Protocol).To(Equal(transport.TCP))
		Expect(peer.IPs).To(Equal([]net.IP{net.ParseIP("10.0.0.5")}))
		Expect(peer.Persistent).To(BeTrue())
		Expect(peer.ReconnectWait).To(Equal(30 * time.Second))
	})

	When("the node table is missing", func() {
		It("returns an error", func() {
			_, err := config.LoadString(`[peer.hss1]
origin_host = "hss.example.com"
`)
			Expect(err).To(HaveOccurred())
		})
	})

	When("a node parameter is not recognised", func() {
		It("returns an error naming the offending key", func() {
			_, err := config.LoadString(`[node]
origin_host = "server.example.com"
bogus_key = 1
`)
			Expect(err).To(MatchError(ContainSubstring("bogus_key")))
		})
	})
})
