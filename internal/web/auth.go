package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware enforces the static operator token when one is configured.
// Browsers cannot set headers on websocket upgrades, so the token is also
// accepted as the "token" query parameter.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := strings.TrimSpace(s.cfg.Token)
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := extractToken(r)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="layerprobe"`)
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
