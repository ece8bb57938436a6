// Package netutil enumerates local IPv4 addresses and their /24 ranges, the
// plumbing the Server's scanner (spec.md §4.1) sweeps for other nodes.
package netutil

import (
	"fmt"
	"net"
)

// LocalIPv4s returns every non-loopback IPv4 address bound to an active
// local interface.
func LocalIPv4s() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: listing interfaces: %w", err)
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip := addrOf(addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				out = append(out, v4)
			}
		}
	}
	return out, nil
}

func addrOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPNet:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}

// SweepRange returns every host address in ip's /24, excluding the network
// and broadcast addresses, in ascending order.
func SweepRange(ip net.IP) []net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	base := net.IPv4(v4[0], v4[1], v4[2], 0).To4()
	var out []net.IP
	for host := 1; host < 255; host++ {
		candidate := net.IPv4(base[0], base[1], base[2], byte(host))
		out = append(out, candidate)
	}
	return out
}

// IsSelf reports whether target matches any address in locals.
func IsSelf(target net.IP, locals []net.IP) bool {
	for _, local := range locals {
		if local.Equal(target) {
			return true
		}
	}
	return false
}
