package wire

import "net"

// CanonicalIP extracts and canonicalizes the IP portion of a "host:port" (or
// bracketed IPv6 "[host]:port") address. IPv4-mapped IPv6 addresses
// (::ffff:a.b.c.d) are canonicalized to plain IPv4 so that a dual-stack
// socket cannot be used to evade per-IP limits.
func CanonicalIP(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// IsLoopback reports whether hostport's IP is a loopback address.
func IsLoopback(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
