// Package realip derives the client IP address for an inbound request,
// preferring trusted edge/CDN headers over the raw TCP peer address and
// skipping private ranges when walking a forwarded-for chain.
package realip

import (
	"net"
	"net/http"
	"strings"
)

// specialHeaders are trusted CDN/edge headers that carry a single,
// already-resolved client IP. The first non-empty one wins.
var specialHeaders = []string{
	"X-Client-IP",
	"CF-Connecting-IP",
	"Fastly-Client-Ip",
	"True-Client-Ip",
	"X-Real-IP",
}

// chainHeaders carry a comma-separated chain of hops; the first entry that
// parses as an IP and is not a private address is used.
var chainHeaders = []string{
	"X-Forwarded-For",
	"X-Original-Forwarded-For",
	"Forwarded-For",
	"X-Forwarded",
	"Forwarded",
}

var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("realip: invalid built-in CIDR " + c)
		}
		nets = append(nets, n)
	}
	return nets
}()

// IsPrivate reports whether ip falls in a loopback/private/link-local range.
func IsPrivate(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// From resolves the client IP for r, given its remote socket address
// (r.RemoteAddr, host:port form).
func From(r *http.Request) string {
	for _, h := range specialHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}

	for _, h := range chainHeaders {
		raw := r.Header.Get(h)
		if raw == "" {
			continue
		}
		for _, hop := range strings.Split(raw, ",") {
			hop = strings.TrimSpace(hop)
			ip := net.ParseIP(hop)
			if ip == nil || IsPrivate(ip) {
				continue
			}
			return hop
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Anonymize zeroes the last octet of an IPv4 address or the last 10 bytes
// of an IPv6 address. It is idempotent and returns ip unchanged if it
// cannot be parsed.
func Anonymize(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		anon := make(net.IP, len(v4))
		copy(anon, v4)
		anon[3] = 0
		return anon.String()
	}
	v6 := parsed.To16()
	anon := make(net.IP, len(v6))
	copy(anon, v6)
	for i := len(anon) - 10; i < len(anon); i++ {
		anon[i] = 0
	}
	return anon.String()
}
