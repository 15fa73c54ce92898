package application

import "github.com/nabstractio/diameterstack"

// AVP codes used when filling in default answers. These are the
// RFC 6733 base-protocol AVPs, not application-specific ones, so they are
// defined here rather than pulled from a dictionary.
const (
	sessionIdAvpCode   = 263
	resultCodeAvpCode  = 268
	originHostAvpCode  = 264
	originRealmAvpCode = 296
	routeRecordAvpCode = 282
	proxyInfoAvpCode   = 284
)

// Result-Code values a Runtime can generate on an application's behalf
// without ever invoking its handler.
const (
	resultCodeApplicationUnsupported uint32 = 3007
	resultCodeMissingAvp             uint32 = 5005
	resultCodeUnableToComply         uint32 = 5012
)

// defaultAnswer builds a minimally compliant answer to request: Result-Code,
// Origin-Host, Origin-Realm, and, when present on the request, Session-Id
// and every Route-Record/Proxy-Info needed to route the answer back through
// any proxies the request traversed.
func defaultAnswer(request *diameter.Message, originHost, originRealm string, resultCode uint32) *diameter.Message {
	mandatory := []*diameter.AVP{
		diameter.NewTypedAVP(resultCodeAvpCode, 0, true, diameter.Unsigned32, resultCode),
		diameter.NewTypedAVP(originHostAvpCode, 0, true, diameter.DiamIdent, originHost),
		diameter.NewTypedAVP(originRealmAvpCode, 0, true, diameter.DiamIdent, originRealm),
	}

	var optional []*diameter.AVP
	if sessionId := request.FirstAvpMatching(0, sessionIdAvpCode); sessionId != nil {
		optional = append(optional, sessionId)
	}
	for _, avp := range request.Avps {
		if avp.Code == routeRecordAvpCode || avp.Code == proxyInfoAvpCode {
			optional = append(optional, avp)
		}
	}

	return request.GenerateMatchingResponseWithAvps(mandatory, optional)
}

// resultCodeOf decodes the Result-Code AVP from msg, 0 if absent or
// undecodable. Used to feed a Runtime's stats recorder with the outcome
// of whatever answer (handler-built or default) was actually sent.
func resultCodeOf(msg *diameter.Message) uint32 {
	avp := msg.FirstAvpMatching(0, resultCodeAvpCode)
	if avp == nil {
		return 0
	}

	decoded, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
	if err != nil {
		return 0
	}

	return decoded.(uint32)
}

// MissingAVP builds a DIAMETER_MISSING_AVP answer. Handlers that detect a
// missing mandatory AVP of their own application should use this rather
// than returning an error, since Runtime's generic failure path answers
// DIAMETER_UNABLE_TO_COMPLY instead.
func MissingAVP(request *diameter.Message, originHost, originRealm string) *diameter.Message {
	return defaultAnswer(request, originHost, originRealm, resultCodeMissingAvp)
}
