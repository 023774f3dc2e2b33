package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and must not be forwarded in
// either direction (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEndHeaders copies src into dst minus hop-by-hop headers,
// including any named by the Connection header itself.
func copyEndToEndHeaders(dst, src http.Header) {
	connectionScoped := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				connectionScoped[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	for _, name := range hopByHopHeaders {
		connectionScoped[name] = struct{}{}
	}

	for name, values := range src {
		if _, skip := connectionScoped[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// setForwardingHeaders appends the client to X-Forwarded-For and records
// the original host and scheme.
func setForwardingHeaders(dst http.Header, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	dst.Set("X-Forwarded-For", clientIP)

	if dst.Get("X-Forwarded-Host") == "" {
		dst.Set("X-Forwarded-Host", r.Host)
	}
	if dst.Get("X-Forwarded-Proto") == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		dst.Set("X-Forwarded-Proto", scheme)
	}
}
