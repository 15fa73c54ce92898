package transport

import (
	"fmt"
	"net"

	"github.com/ishidawataru/sctp"
)

func sctpAddrFor(a Address) *sctp.SCTPAddr {
	addr := &sctp.SCTPAddr{Port: a.Port}
	for _, ip := range a.IPs {
		addr.IPAddrs = append(addr.IPAddrs, net.IPAddr{IP: ip})
	}
	return addr
}

// connectSCTP dials an SCTP association. When local carries more than one
// IP address, the association is multi-homed across all of them.
func connectSCTP(local Address, remote Address) (Connection, error) {
	var laddr *sctp.SCTPAddr
	if len(local.IPs) > 0 || local.Port != 0 {
		laddr = sctpAddrFor(local)
	}

	conn, err := sctp.DialSCTP("sctp", laddr, sctpAddrFor(remote))
	if err != nil {
		return nil, fmt.Errorf("transport: sctp dial to %s failed: %w", remote, err)
	}

	return newConnOverNetConn(conn), nil
}

type sctpListener struct {
	listener *sctp.SCTPListener
}

func listenSCTP(local Address) (Listener, error) {
	listener, err := sctp.ListenSCTP("sctp", sctpAddrFor(local))
	if err != nil {
		return nil, fmt.Errorf("transport: sctp listen on %s failed: %w", local, err)
	}

	return &sctpListener{listener: listener}, nil
}

func (l *sctpListener) Accept() (Connection, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}

	return newConnOverNetConn(conn), nil
}

func (l *sctpListener) Close() error {
	return l.listener.Close()
}

func (l *sctpListener) Addr() net.Addr {
	return l.listener.Addr()
}
