package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials accepted by the API.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool
}

// open paths are reachable without credentials.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware accepts Basic auth, a Bearer token or an X-API-Key header.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || cfg.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="snfpath API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (cfg AuthConfig) allow(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && cfg.APIKeys[key] {
		return true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return cfg.APIKeys[token]
	}
	if enc, ok := strings.CutPrefix(auth, "Basic "); ok {
		return cfg.checkBasic(enc)
	}
	return false
}

func (cfg AuthConfig) checkBasic(enc string) bool {
	payload, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(payload), ":")
	if !ok {
		return false
	}
	want, exists := cfg.Users[user]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}
