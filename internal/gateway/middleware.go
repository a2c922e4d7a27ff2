package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// protect layers bearer-token and origin enforcement over a transport
// handler. /health stays open.
func (g *Gateway) protect(next http.Handler) http.Handler {
	return g.withAuth(g.withOrigin(next))
}

func (g *Gateway) withAuth(next http.Handler) http.Handler {
	if g.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != g.cfg.AuthToken {
			writeRPCError(w, http.StatusUnauthorized, codeInvalidRequest, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) withOrigin(next http.Handler) http.Handler {
	if !g.cfg.StrictSecurity {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := declaredHost(r)
		if !g.originAllowed(host) {
			g.log.Warn("rejected request by origin policy", "host", host, "path", r.URL.Path)
			writeRPCError(w, http.StatusForbidden, codeInvalidRequest, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// declaredHost prefers the Origin header, falling back to Host, and
// strips any port.
func declaredHost(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		return origin
	}
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		return h
	}
	return r.Host
}

func (g *Gateway) originAllowed(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
