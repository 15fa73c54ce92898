package transport

import (
	"fmt"
	"net"
)

func tcpAddrFor(a Address) *net.TCPAddr {
	var ip net.IP
	if len(a.IPs) > 0 {
		ip = a.IPs[0]
	}
	return &net.TCPAddr{IP: ip, Port: a.Port}
}

func connectTCP(local Address, remote Address) (Connection, error) {
	dialer := &net.Dialer{}
	if len(local.IPs) > 0 || local.Port != 0 {
		dialer.LocalAddr = tcpAddrFor(local)
	}

	conn, err := dialer.Dial("tcp", tcpAddrFor(remote).String())
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial to %s failed: %w", remote, err)
	}

	return newConnOverNetConn(conn), nil
}

type tcpListener struct {
	listener *net.TCPListener
}

func listenTCP(local Address) (Listener, error) {
	listener, err := net.ListenTCP("tcp", tcpAddrFor(local))
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen on %s failed: %w", local, err)
	}

	return &tcpListener{listener: listener}, nil
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}

	return newConnOverNetConn(conn), nil
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

func (l *tcpListener) Addr() net.Addr {
	return l.listener.Addr()
}
