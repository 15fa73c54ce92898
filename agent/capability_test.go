package agent_test

import (
	"github.com/nabstractio/diameterstack"
	"github.com/nabstractio/diameterstack/agent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func ceaWithApplicationIds(authIds []uint32, acctIds []uint32) *diameter.Message {
	avps := []*diameter.AVP{}
	for _, id := range authIds {
		avps = append(avps, diameter.NewTypedAVP(258, 0, true, diameter.Unsigned32, id))
	}
	for _, id := range acctIds {
		avps = append(avps, diameter.NewTypedAVP(259, 0, true, diameter.Unsigned32, id))
	}

	return diameter.NewMessage(0, 257, 0, 1, 1, avps, nil)
}

func ceaWithVendorSpecificApplicationId(vendorID uint32, authID uint32) *diameter.Message {
	inner := []*diameter.AVP{
		diameter.NewTypedAVP(266, 0, true, diameter.Unsigned32, vendorID),
		diameter.NewTypedAVP(258, 0, true, diameter.Unsigned32, authID),
	}
	vsai := diameter.NewTypedAVP(260, 0, true, diameter.Grouped, inner)

	return diameter.NewMessage(0, 257, 0, 1, 1, []*diameter.AVP{vsai}, nil)
}

func localEntityWithApplicationIds(authIds []uint32, acctIds []uint32) *agent.DiameterEntity {
	return &agent.DiameterEntity{AuthApplicationIDs: authIds, AcctApplicationIDs: acctIds}
}

var _ = Describe("NegotiateApplications", func() {
	When("the local and peer application-id sets intersect", func() {
		var negotiated *agent.NegotiatedApplications

		BeforeEach(func() {
			cea := ceaWithApplicationIds([]uint32{4, 16777216}, []uint32{4})
			negotiated = agent.NegotiateApplications(localEntityWithApplicationIds([]uint32{16777216, 99}, []uint32{4}), cea)
		})

		It("keeps only the Auth-Application-Id values common to both sides", func() {
			Expect(negotiated.AuthApplicationIDs).To(Equal([]uint32{16777216}))
		})

		It("keeps only the Acct-Application-Id values common to both sides", func() {
			Expect(negotiated.AcctApplicationIDs).To(Equal([]uint32{4}))
		})

		It("is not empty", func() {
			Expect(negotiated.IsEmpty()).To(BeFalse())
		})
	})

	When("the local and peer application-id sets have nothing in common", func() {
		var negotiated *agent.NegotiatedApplications

		BeforeEach(func() {
			cea := ceaWithApplicationIds([]uint32{1}, nil)
			negotiated = agent.NegotiateApplications(localEntityWithApplicationIds([]uint32{2}, nil), cea)
		})

		It("is empty", func() {
			Expect(negotiated.IsEmpty()).To(BeTrue())
		})
	})

	When("the peer only advertises the application via a Vendor-Specific-Application-Id group", func() {
		It("folds the grouped Auth-Application-Id into the negotiated set", func() {
			local := &agent.DiameterEntity{
				VendorSpecificApplications: []agent.VendorSpecificApplication{
					{VendorID: 10415, AuthApplicationID: 16777216},
				},
			}
			cea := ceaWithVendorSpecificApplicationId(10415, 16777216)

			negotiated := agent.NegotiateApplications(local, cea)
			Expect(negotiated.AuthApplicationIDs).To(Equal([]uint32{16777216}))
			Expect(negotiated.IsEmpty()).To(BeFalse())
		})
	})
})
