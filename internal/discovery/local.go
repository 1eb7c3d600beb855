package discovery

import (
	"fmt"
	"net"
)

// LocalAddrFunc returns the device's IPv4 address on the local network.
type LocalAddrFunc func() (net.IP, error)

// LocalIPv4 returns the first IPv4 address of an interface that is up and
// not a loopback.
func LocalIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLocalAddress, err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4, nil
			}
		}
	}
	return nil, ErrNoLocalAddress
}

// StaticAddr returns a LocalAddrFunc that always reports addr.
func StaticAddr(addr string) LocalAddrFunc {
	return func() (net.IP, error) {
		ip := net.ParseIP(addr).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrNoLocalAddress, addr)
		}
		return ip, nil
	}
}

// subnetHosts lists the usable hosts .1 through .254 of the /24 containing ip.
func subnetHosts(ip net.IP) []string {
	ip4 := ip.To4()
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		hosts = append(hosts, net.IPv4(ip4[0], ip4[1], ip4[2], byte(i)).String())
	}
	return hosts
}
