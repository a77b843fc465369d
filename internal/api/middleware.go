package api

import (
	"net"
	"net/http"
)

// LocalOnly rejects requests that do not originate from the loopback
// interface. Guards the trusted integration routes.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "local access only")
			return
		}

		next.ServeHTTP(w, r)
	})
}
