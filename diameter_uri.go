package diameter

import (
	"strconv"
	"strings"
)

const (
	defaultDiameterPort = 3868
	defaultTransport    = "tcp"
)

// ParseDiameterURI parses a Diameter URI of the form
// aaa://{fqdn}[:{port}][;transport=tcp|sctp][;protocol=diameter|radius]
// (aaas:// is also accepted, for a TLS/DTLS-secured connection). port
// defaults to 3868 and transport defaults to "tcp" when not present.
func ParseDiameterURI(s string) (fqdn string, port int, transport string, err error) {
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		return "", 0, "", NewError(MalformedMessage, "Diameter URI missing scheme: "+s)
	}

	if scheme != "aaa" && scheme != "aaas" {
		return "", 0, "", NewError(MalformedMessage, "Diameter URI scheme must be aaa or aaas, got: "+scheme)
	}

	parts := strings.Split(rest, ";")

	hostport := parts[0]
	transport = defaultTransport

	for _, param := range parts[1:] {
		name, value, hasValue := strings.Cut(param, "=")
		if !hasValue {
			continue
		}

		if name == "transport" {
			transport = value
		}
	}

	if transport != "tcp" && transport != "sctp" {
		return "", 0, "", NewError(MalformedMessage, "Diameter URI transport must be tcp or sctp, got: "+transport)
	}

	if hostport == "" {
		return "", 0, "", NewError(MalformedMessage, "Diameter URI missing host: "+s)
	}

	if colonIndex := strings.LastIndex(hostport, ":"); colonIndex >= 0 {
		fqdn = hostport[:colonIndex]
		portString := hostport[colonIndex+1:]

		port, err = strconv.Atoi(portString)
		if err != nil {
			return "", 0, "", NewError(MalformedMessage, "Diameter URI port not numeric: "+portString)
		}
	} else {
		fqdn = hostport
		port = defaultDiameterPort
	}

	if fqdn == "" {
		return "", 0, "", NewError(MalformedMessage, "Diameter URI missing host: "+s)
	}

	return fqdn, port, transport, nil
}
