// Package httputil holds request helpers shared by the REST middleware and
// the WebSocket hub.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address the request originated from. Proxy headers
// are consulted in order: Forwarded (RFC 7239), X-Forwarded-For, X-Real-IP.
// The first entry that parses as an IP wins; otherwise RemoteAddr is used
// with its port stripped.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		if ip := forwardedFor(fwd); ip != "" {
			return ip
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			if ip := parseHost(hop); ip != "" {
				return ip
			}
		}
	}

	if ip := parseHost(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	if ip := parseHost(r.RemoteAddr); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket
// protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// forwardedFor extracts the first for= node of a Forwarded header.
func forwardedFor(header string) string {
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(key, "for") {
				continue
			}
			if ip := parseHost(strings.Trim(value, `"`)); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// parseHost accepts "ip", "ip:port", "[v6]" and "[v6]:port".
func parseHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
