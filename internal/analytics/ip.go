package analytics

import (
	"net"
	"net/http"
	"strings"
)

// IP handling modes.
const (
	IPModeFull       = "full"
	IPModeAnonymized = "anonymized"
	IPModeOff        = "off"
)

// ClientIP resolves the real client address behind proxies. Header order
// matters: the CDN header is authoritative when present, then the first
// X-Forwarded-For hop, then X-Real-IP, then the socket peer. A candidate
// that does not parse as an address is skipped, so a spoofed header cannot
// plant arbitrary text in the event log; if nothing parses the result is
// empty.
func ClientIP(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	for _, cand := range []string{
		r.Header.Get("CF-Connecting-IP"),
		first,
		r.Header.Get("X-Real-IP"),
		host,
	} {
		cand = strings.TrimSpace(cand)
		if cand != "" && net.ParseIP(cand) != nil {
			return cand
		}
	}
	return ""
}

// AnonymizeIP reduces an address to its network prefix per the configured
// mode: /24 for IPv4, /64 for IPv6, rendered as CIDR text. Unparseable
// input is dropped rather than stored raw.
func AnonymizeIP(ip, mode string) string {
	switch mode {
	case IPModeOff:
		return ""
	case IPModeFull:
		return ip
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	masked := parsed.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}
