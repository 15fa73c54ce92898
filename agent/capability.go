package agent

import "github.com/nabstractio/diameterstack"

// DisconnectReason is the Disconnect-Cause AVP value sent in a Disconnect-Peer-Request,
// per RFC 6733 section 5.4.1.
type DisconnectReason int32

const (
	DisconnectReasonRebooting             DisconnectReason = 0
	DisconnectReasonBusy                  DisconnectReason = 1
	DisconnectReasonDoNotWantToTalkToYou  DisconnectReason = 2
)

const (
	authApplicationIdAvpCode           = 258
	acctApplicationIdAvpCode           = 259
	vendorSpecificApplicationIdAvpCode = 260
	vendorIdAvpCode                    = 266
)

// NegotiatedApplications is the result of comparing the local node's supported
// application IDs against those advertised by a peer in its Capabilities-Exchange
// message, per RFC 6733 section 5.3. The bare Auth-/Acct-Application-Id lists and
// any ids carried inside Vendor-Specific-Application-Id AVPs are folded together
// here, since negotiation only cares about which application ids are common to
// both sides, not which AVP advertised them.
type NegotiatedApplications struct {
	AuthApplicationIDs []uint32
	AcctApplicationIDs []uint32
}

// IsEmpty returns true if no application was found in common with the peer.
func (n *NegotiatedApplications) IsEmpty() bool {
	return len(n.AuthApplicationIDs) == 0 && len(n.AcctApplicationIDs) == 0
}

func applicationIdsFromMessage(m *diameter.Message, avpCode diameter.Uint24) []uint32 {
	avps := m.TopLevelAvpsMatching(0, avpCode)
	ids := make([]uint32, 0, len(avps))

	for _, avp := range avps {
		if v, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32); err == nil {
			ids = append(ids, v.(uint32))
		}
	}

	return ids
}

// vendorSpecificApplicationsFromMessage decodes every top-level
// Vendor-Specific-Application-Id (260) AVP in m into a VendorSpecificApplication,
// per RFC 6733 section 6.11. A group whose Vendor-Id or inner application id AVP
// cannot be decoded is skipped rather than failing the whole message.
func vendorSpecificApplicationsFromMessage(m *diameter.Message) []VendorSpecificApplication {
	groups := m.TopLevelAvpsMatching(0, vendorSpecificApplicationIdAvpCode)
	out := make([]VendorSpecificApplication, 0, len(groups))

	for _, group := range groups {
		inner, err := diameter.ConvertAVPDataToTypedData(group.Data, diameter.Grouped)
		if err != nil {
			continue
		}

		var vsa VendorSpecificApplication
		for _, avp := range inner.([]*diameter.AVP) {
			v, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
			if err != nil {
				continue
			}
			switch avp.Code {
			case vendorIdAvpCode:
				vsa.VendorID = v.(uint32)
			case authApplicationIdAvpCode:
				vsa.AuthApplicationID = v.(uint32)
			case acctApplicationIdAvpCode:
				vsa.AcctApplicationID = v.(uint32)
			}
		}

		out = append(out, vsa)
	}

	return out
}

func vendorSpecificApplicationIds(vsas []VendorSpecificApplication, auth bool) []uint32 {
	ids := make([]uint32, 0, len(vsas))
	for _, vsa := range vsas {
		if auth && vsa.AuthApplicationID != 0 {
			ids = append(ids, vsa.AuthApplicationID)
		}
		if !auth && vsa.AcctApplicationID != 0 {
			ids = append(ids, vsa.AcctApplicationID)
		}
	}
	return ids
}

func intersectUint32(local []uint32, remote []uint32) []uint32 {
	remoteSet := make(map[uint32]bool, len(remote))
	for _, id := range remote {
		remoteSet[id] = true
	}

	intersection := make([]uint32, 0, len(local))
	for _, id := range local {
		if remoteSet[id] {
			intersection = append(intersection, id)
		}
	}

	return intersection
}

// NegotiateApplications computes the set of applications both the local node and
// the peer support, given the local node's identity and the peer's
// Capabilities-Exchange message. Both sides' bare Auth-/Acct-Application-Id AVPs
// and any ids carried in Vendor-Specific-Application-Id groups are combined
// before intersecting.
func NegotiateApplications(local *DiameterEntity, peerCerOrCea *diameter.Message) *NegotiatedApplications {
	localAuthIDs := append(append([]uint32{}, local.AuthApplicationIDs...), vendorSpecificApplicationIds(local.VendorSpecificApplications, true)...)
	localAcctIDs := append(append([]uint32{}, local.AcctApplicationIDs...), vendorSpecificApplicationIds(local.VendorSpecificApplications, false)...)

	peerAuthIDs := append(applicationIdsFromMessage(peerCerOrCea, authApplicationIdAvpCode), vendorSpecificApplicationIds(vendorSpecificApplicationsFromMessage(peerCerOrCea), true)...)
	peerAcctIDs := append(applicationIdsFromMessage(peerCerOrCea, acctApplicationIdAvpCode), vendorSpecificApplicationIds(vendorSpecificApplicationsFromMessage(peerCerOrCea), false)...)

	return &NegotiatedApplications{
		AuthApplicationIDs: intersectUint32(localAuthIDs, peerAuthIDs),
		AcctApplicationIDs: intersectUint32(localAcctIDs, peerAcctIDs),
	}
}

// resultCodeOfAnswer extracts the Result-Code AVP (268) from an answer message. Returns
// (0, false) if the AVP is absent or malformed.
func resultCodeOfAnswer(m *diameter.Message) (uint32, bool) {
	avp := m.FirstAvpMatching(0, 268)
	if avp == nil {
		return 0, false
	}

	v, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
	if err != nil {
		return 0, false
	}

	return v.(uint32), true
}

const (
	diameterSuccessResultCode            = 2001
	diameterUnknownPeerResultCode        = 3010
	diameterNoCommonApplicationResultCode = 5010
)
