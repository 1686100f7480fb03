package clientendpoint

import (
	"net"
	"time"

	"github.com/skylinelabs/someip-routingcore/config"
)

// Dialer produces one connection attempt. Core owns the reconnect and
// backoff policy around it; a Dialer only knows how to attempt a single
// connect, so Core's timing logic stays fully testable independent of
// any particular transport.
//
// go-transport/tcp.TcpClient is a persistent supervisor with its own
// fixed ReconnectInterval and is wired directly where that fits (the
// routing-manager client's local peer-server acceptor); it does not
// expose the per-attempt doubling-after-N-failures policy this core
// needs, so the dial primitive itself stays on the standard library.
type Dialer interface {
	Dial(timeout time.Duration) (net.Conn, error)
	Network() string
}

type tcpDialer struct {
	address string
}

func (d tcpDialer) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", d.address, timeout)
}

func (d tcpDialer) Network() string { return "tcp" }

type unixDialer struct {
	path string
}

func (d unixDialer) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", d.path, timeout)
}

func (d unixDialer) Network() string { return "unix" }

// NewDialer picks the transport per cfg, mirroring the UseLocalStream
// switch the routing-manager client exposes.
func NewDialer(cfg *config.Config) Dialer {
	if cfg.UseLocalStream {
		return unixDialer{path: cfg.LocalStreamPath}
	}
	return tcpDialer{address: cfg.RoutingHostAddress}
}
