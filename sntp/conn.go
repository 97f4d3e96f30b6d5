package sntp

import (
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Conn is one sync attempt's datagram exchange. Recv must not block:
// it returns (0, nil) when no reply has arrived yet.
type Conn interface {
	Send(p []byte) error
	Recv(p []byte) (int, error)
	Close() error
}

type udpConn struct {
	c net.Conn
}

// DialUDP resolves and connects a UDP socket to the time server.
// A bare host name gets the standard port 123.
func DialUDP(server string) (Conn, error) {
	if !strings.Contains(server, ":") {
		server += ":123"
	}
	c, err := net.DialTimeout("udp", server, 3*time.Second)
	if err != nil {
		return nil, errors.Annotatef(err, "sntp dial %s", server)
	}
	return &udpConn{c: c}, nil
}

func (u *udpConn) Send(p []byte) error {
	_, err := u.c.Write(p)
	return errors.Trace(err)
}

func (u *udpConn) Recv(p []byte) (int, error) {
	// short deadline turns the blocking read into a poll
	_ = u.c.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := u.c.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, errors.Trace(err)
	}
	return n, nil
}

func (u *udpConn) Close() error { return u.c.Close() }
