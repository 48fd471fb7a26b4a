package requestutil

import (
	"net/http"
	"net/netip"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RemoteAddr returns the address of the client that sent r. Proxy headers
// are consulted in order: the first X-Forwarded-For entry, the first "for"
// of a Forwarded header, then X-Real-Ip. Entries that are not IP addresses
// are skipped and r.RemoteAddr is the fallback.
func RemoteAddr(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); first != "" {
		if addr, ok := clientAddr("X-Forwarded-For", first); ok {
			return addr
		}
	}

	if node := forwardedFor(r.Header.Get("Forwarded")); node != "" {
		if addr, ok := clientAddr("Forwarded", node); ok {
			return addr
		}
	}

	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		if addr, ok := clientAddr("X-Real-Ip", realIP); ok {
			return addr
		}
	}

	return r.RemoteAddr
}

// RemoteIP is RemoteAddr without the port.
func RemoteIP(r *http.Request) string {
	addr := RemoteAddr(r)
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	return addr
}

// forwardedFor returns the "for" parameter of the first element of a
// Forwarded header, unquoted.
func forwardedFor(header string) string {
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(key, "for") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// clientAddr returns the IP address of a proxy header node, dropping any
// port. It reports false for obfuscated or malformed nodes.
func clientAddr(header, node string) (string, bool) {
	node = strings.TrimSpace(node)
	if ap, err := netip.ParseAddrPort(node); err == nil {
		return ap.Addr().String(), true
	}
	if addr, err := netip.ParseAddr(strings.Trim(node, "[]")); err == nil {
		return addr.String(), true
	}
	log.WithField("header", header).Warnf("invalid remote IP address: %q", node)
	return "", false
}
