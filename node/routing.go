package node

import (
	"github.com/nabstractio/diameterstack"
)

const (
	destinationRealmAvpCode = 283
	destinationHostAvpCode  = 293
)

// routeRequest selects the peerEntry that an outbound request should be
// sent over. Candidates are peers whose connection is READY and whose
// negotiated application-id set includes the message's application.
// Destination-Host, if present, pins the choice to a single peer;
// otherwise Destination-Realm filters the candidate set; the remaining
// candidates are chosen by fewest in-flight requests, ties broken by
// round robin.
func (n *Node) routeRequest(msg *diameter.Message, acct bool) (*peerEntry, error) {
	candidates := make([]*peerEntry, 0, len(n.peers))
	for _, entry := range n.peers {
		if entry.isReady() && entry.acceptsApplication(msg.AppID, acct) {
			candidates = append(candidates, entry)
		}
	}

	if destHost, ok := stringAvpValue(msg, destinationHostAvpCode); ok {
		for _, entry := range candidates {
			if entry.config.OriginHost == destHost {
				return entry, nil
			}
		}
		return nil, diameter.ErrNoRoute
	}

	if destRealm, ok := stringAvpValue(msg, destinationRealmAvpCode); ok {
		filtered := candidates[:0:0]
		for _, entry := range candidates {
			if entry.config.Realm == destRealm {
				filtered = append(filtered, entry)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return nil, diameter.ErrNoRoute
	}

	return leastLoadedPeer(candidates), nil
}

func stringAvpValue(msg *diameter.Message, avpCode diameter.Uint24) (string, bool) {
	avp := msg.FirstAvpMatching(0, avpCode)
	if avp == nil {
		return "", false
	}

	decoded, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.DiamIdent)
	if err != nil {
		return "", false
	}

	return decoded.(string), true
}

func leastLoadedPeer(candidates []*peerEntry) *peerEntry {
	best := candidates[0]
	for _, entry := range candidates[1:] {
		switch {
		case entry.inFlight < best.inFlight:
			best = entry
		case entry.inFlight == best.inFlight && entry.roundRobinCounter < best.roundRobinCounter:
			best = entry
		}
	}

	best.roundRobinCounter++
	return best
}
