package udpendpoint

import "net"

// sameSubnet reports whether remote lies in the same v4 network (address,
// netmask) or v6 prefix as local. A nil netw treats every remote as out of
// subnet, the conservative default when the local address could not be
// resolved to an interface network.
func sameSubnet(netw *net.IPNet, remote net.IP) bool {
	if netw == nil {
		return false
	}
	return netw.Contains(remote)
}

// localNetwork finds the *net.IPNet an interface address belongs to by
// matching local against the addresses carried by the host's interfaces.
func localNetwork(local net.IP) *net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.Equal(local) {
				return ipnet
			}
		}
	}

	return nil
}
