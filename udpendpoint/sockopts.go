package udpendpoint

import (
	"net"
	"syscall"
)

// listenConfig sets SO_REUSEADDR and SO_BROADCAST before bind, matching the
// vsomeip udp_server_endpoint's socket options: multiple processes may bind
// the same service-discovery multicast port, and unicast replies to a
// broadcast discovery query need SO_BROADCAST.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// soRcvBufForce is SO_RCVBUFFORCE on Linux: like SO_RCVBUF but bypasses the
// system-wide rmem_max cap, available only to a privileged process.
const soRcvBufForce = 0x21

// bindToDevice restricts conn to receiving/sending only on the named
// interface (SO_BINDTODEVICE), used when a host has more than one network
// device and the configured unicast address alone would not disambiguate.
func bindToDevice(conn *net.UDPConn, device string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, device)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// setReceiveBuffer requests size bytes of kernel receive buffer, trying the
// privileged SO_RCVBUFFORCE first and falling back to the unprivileged
// SetReadBuffer when that fails (normal case for a non-root process).
func setReceiveBuffer(conn *net.UDPConn, size int) {
	raw, err := conn.SyscallConn()
	if err == nil {
		var forceErr error
		err = raw.Control(func(fd uintptr) {
			forceErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, soRcvBufForce, size)
		})
		if err == nil && forceErr == nil {
			return
		}
	}

	_ = conn.SetReadBuffer(size)
}
