package diameter_test

import (
	"github.com/nabstractio/diameterstack"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseDiameterURI", func() {
	When("given a bare aaa:// URI with no port or parameters", func() {
		It("defaults the port to 3868 and the transport to tcp", func() {
			fqdn, port, transport, err := diameter.ParseDiameterURI("aaa://hss.example.com")
			Expect(err).To(BeNil())
			Expect(fqdn).To(Equal("hss.example.com"))
			Expect(port).To(Equal(3868))
			Expect(transport).To(Equal("tcp"))
		})
	})

	When("given an explicit port and sctp transport", func() {
		It("parses both", func() {
			fqdn, port, transport, err := diameter.ParseDiameterURI("aaa://hss.example.com:3869;transport=sctp")
			Expect(err).To(BeNil())
			Expect(fqdn).To(Equal("hss.example.com"))
			Expect(port).To(Equal(3869))
			Expect(transport).To(Equal("sctp"))
		})
	})

	When("given the aaas scheme", func() {
		It("parses successfully", func() {
			_, _, _, err := diameter.ParseDiameterURI("aaas://hss.example.com")
			Expect(err).To(BeNil())
		})
	})

	When("given an unrecognized scheme", func() {
		It("returns an error", func() {
			_, _, _, err := diameter.ParseDiameterURI("http://hss.example.com")
			Expect(err).ToNot(BeNil())
		})
	})

	When("given an unrecognized transport parameter", func() {
		It("returns an error", func() {
			_, _, _, err := diameter.ParseDiameterURI("aaa://hss.example.com;transport=udp")
			Expect(err).ToNot(BeNil())
		})
	})

	When("given a non-numeric port", func() {
		It("returns an error", func() {
			_, _, _, err := diameter.ParseDiameterURI("aaa://hss.example.com:abc")
			Expect(err).ToNot(BeNil())
		})
	})

	When("given a URI with no host", func() {
		It("returns an error", func() {
			_, _, _, err := diameter.ParseDiameterURI("aaa://")
			Expect(err).ToNot(BeNil())
		})
	})
})
