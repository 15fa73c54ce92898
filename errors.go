package diameter

// ErrorKind classifies the family a Error belongs to, so callers can test
// for it with errors.Is (against the Err* sentinels below) without
// string-matching Error() output.
type ErrorKind int

const (
	MalformedAvp ErrorKind = iota
	MalformedMessage
	UnsupportedVersion
	UnknownApplication
	NoRoute
	RequestTimeout
	RequestCancelled
	PeerDisconnected
	TransportError
	CapabilityMismatch
	MissingMandatoryAvp
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedAvp:
		return "malformed AVP"
	case MalformedMessage:
		return "malformed message"
	case UnsupportedVersion:
		return "unsupported Diameter version"
	case UnknownApplication:
		return "unknown application"
	case NoRoute:
		return "no route to peer"
	case RequestTimeout:
		return "request timed out"
	case RequestCancelled:
		return "request cancelled"
	case PeerDisconnected:
		return "peer disconnected"
	case TransportError:
		return "transport error"
	case CapabilityMismatch:
		return "capability mismatch"
	case MissingMandatoryAvp:
		return "missing mandatory AVP"
	default:
		return "diameter error"
	}
}

// Error is a typed error carrying an ErrorKind, so that callers can use
// errors.Is(err, diameter.ErrMalformedAvp) rather than matching error strings.
type Error struct {
	Kind   ErrorKind
	errStr string
}

func NewError(kind ErrorKind, detail string) *Error {
	if detail == "" {
		return &Error{Kind: kind, errStr: kind.String()}
	}

	return &Error{Kind: kind, errStr: kind.String() + ": " + detail}
}

func (e *Error) Error() string {
	return e.errStr
}

// Is allows errors.Is(err, target) to match any *Error target of the same
// Kind, such as the package-level kind sentinels below; the detail string
// is not compared.
func (e *Error) Is(target error) bool {
	asKind, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == asKind.Kind
}

// The following are bare sentinels for the kinds above, usable as the
// second argument to errors.Is without constructing a detail string, e.g.
// errors.Is(err, diameter.ErrMalformedAvp).
var (
	ErrMalformedAvp        = &Error{Kind: MalformedAvp}
	ErrMalformedMessage    = &Error{Kind: MalformedMessage}
	ErrUnsupportedVersion  = &Error{Kind: UnsupportedVersion}
	ErrUnknownApplication  = &Error{Kind: UnknownApplication}
	ErrNoRoute             = &Error{Kind: NoRoute}
	ErrRequestTimeout      = &Error{Kind: RequestTimeout}
	ErrRequestCancelled    = &Error{Kind: RequestCancelled}
	ErrPeerDisconnected    = &Error{Kind: PeerDisconnected}
	ErrTransportError      = &Error{Kind: TransportError}
	ErrCapabilityMismatch  = &Error{Kind: CapabilityMismatch}
	ErrMissingMandatoryAvp = &Error{Kind: MissingMandatoryAvp}
)
