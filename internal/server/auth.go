package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/oszuidwest/clapfinder/internal/config"
)

const authRealm = `Basic realm="clapfinder", charset="UTF-8"`

// BasicAuth returns middleware that requires the configured API credentials.
// Credentials are read on every request so changes apply without restart.
func BasicAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := cfg.Snapshot()
			username, password, ok := r.BasicAuth()
			if ok && credentialsMatch(username, password, snap.WebUser, snap.WebPassword) {
				next.ServeHTTP(w, r)
				return
			}

			if ok {
				slog.Warn("rejected API credentials", "remote", r.RemoteAddr, "path", r.URL.Path)
			}
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// credentialsMatch compares both values in constant time.
func credentialsMatch(username, password, wantUser, wantPass string) bool {
	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
	return userMatch && passMatch
}
