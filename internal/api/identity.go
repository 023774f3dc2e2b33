package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// rateLimitKey identifies the client for admission control: the subject of
// a valid bearer token when one is presented, otherwise the client IP.
//
// The gateway does not enforce authorization, backends do that, but a
// stable per-user key makes throttling fair across clients behind shared
// NAT addresses.
func (s *Server) rateLimitKey(r *http.Request) string {
	if s.secCfg.JWTSecret != "" {
		if subject := s.tokenSubject(r); subject != "" {
			return "sub:" + subject
		}
	}
	return "ip:" + clientIP(r)
}

// tokenSubject extracts the subject claim from a valid HMAC-signed bearer
// token. Invalid, expired, or absent tokens yield an empty subject; the
// request still proceeds (keyed by IP) since authorization is the
// backend's decision.
func (s *Server) tokenSubject(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}

	token, err := jwt.Parse(strings.TrimPrefix(auth, prefix), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.secCfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

// clientIP returns the remote host without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
