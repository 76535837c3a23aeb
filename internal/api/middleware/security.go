package middleware

import (
	"log/slog"
	"net"
	"net/http"
)

// TrustedSourceCheck rejects requests whose Host header (with any port
// stripped) is not in allowedHosts. The signer's webhook is called by one Stacks node the
// operator configures, not by arbitrary browser clients, so this replaces
// CORS/CSRF (both meaningless for a server-to-server callback) with a
// source allowlist. An empty allowedHosts disables the check — useful for
// local development against a node on an unpredictable docker IP.
func TrustedSourceCheck(allowedHosts []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[h] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}

			if !allowed[host] {
				slog.Warn("rejected request from untrusted host",
					"host", r.Host,
					"remoteAddr", r.RemoteAddr,
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
