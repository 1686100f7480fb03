package udpendpoint

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// multicastTransport abstracts the v4/v6 PacketConn wrappers golang.org/x/net
// provides for group membership and per-interface outbound selection; the
// stdlib net package itself has no portable way to join a multicast group
// or read a packet's destination address.
type multicastTransport interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	SetControlMessage() error
	// ReadFrom returns the payload length, source address, and destination
	// (multicast group) address of the next packet. dst is nil if the
	// kernel did not report one.
	ReadFrom(b []byte) (n int, src net.Addr, dst net.Addr, err error)
}

type v4Transport struct {
	pc *ipv4.PacketConn
}

func (t *v4Transport) JoinGroup(ifi *net.Interface, group net.Addr) error {
	return t.pc.JoinGroup(ifi, group)
}

func (t *v4Transport) LeaveGroup(ifi *net.Interface, group net.Addr) error {
	return t.pc.LeaveGroup(ifi, group)
}

func (t *v4Transport) SetControlMessage() error {
	return t.pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagSrc, true)
}

func (t *v4Transport) ReadFrom(b []byte) (int, net.Addr, net.Addr, error) {
	n, cm, src, err := t.pc.ReadFrom(b)
	if err != nil {
		return n, nil, nil, err
	}
	var dst net.Addr
	if cm != nil && cm.Dst != nil {
		dst = &net.UDPAddr{IP: cm.Dst}
	}
	return n, src, dst, nil
}

type v6Transport struct {
	pc *ipv6.PacketConn
}

func (t *v6Transport) JoinGroup(ifi *net.Interface, group net.Addr) error {
	return t.pc.JoinGroup(ifi, group)
}

func (t *v6Transport) LeaveGroup(ifi *net.Interface, group net.Addr) error {
	return t.pc.LeaveGroup(ifi, group)
}

func (t *v6Transport) SetControlMessage() error {
	return t.pc.SetControlMessage(ipv6.FlagDst|ipv6.FlagSrc, true)
}

func (t *v6Transport) ReadFrom(b []byte) (int, net.Addr, net.Addr, error) {
	n, cm, src, err := t.pc.ReadFrom(b)
	if err != nil {
		return n, nil, nil, err
	}
	var dst net.Addr
	if cm != nil && cm.Dst != nil {
		dst = &net.UDPAddr{IP: cm.Dst}
	}
	return n, src, dst, nil
}

// joinedGroup tracks one multicast membership. hasReceived resets to false
// on every restart, since a fresh socket has not received anything yet.
type joinedGroup struct {
	addr        *net.UDPAddr
	hasReceived bool
}
