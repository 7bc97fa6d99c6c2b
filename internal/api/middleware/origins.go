package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser consoles may drive the control API.
// The same list governs cross-origin HTTP calls and the state stream
// handshake. "*" admits any origin.
type OriginPolicy struct {
	any     bool
	allowed map[string]bool
}

// NewOriginPolicy builds a policy from configured origins. Entries are
// compared after trimming whitespace and a trailing slash.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[o] = true
		}
	}
	return p
}

// Allows reports whether a browser on origin may call the API cross-origin.
func (p *OriginPolicy) Allows(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	return p.any || p.allowed[origin]
}

// CheckOrigin is the state stream's websocket.Upgrader hook. Clients that
// send no Origin are not browsers and pass; the token still guards them.
// A page served from the API's own host passes too.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.Allows(origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// CORS sets allow headers for permitted origins. A preflight from an origin
// the policy refuses is answered 403 so the browser stops there; requests
// without an Origin are untouched. Consoles send bearer tokens, so
// credentials are never allowed.
func (p *OriginPolicy) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := p.Allows(origin)

		if allowed {
			h := w.Header()
			if p.any {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if origin != "" && !allowed {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ParseOrigins splits the comma-separated cors-origins setting. Blank
// input yields nil.
func ParseOrigins(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.TrimSpace(o), "/")
}
