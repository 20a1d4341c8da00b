package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/oriys/usher/internal/auth"
)

// Middleware applies the limiter per caller: API key name when
// authenticated, source IP otherwise. Agent identities are exempt; bots must
// never be throttled into missing heartbeats.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.GetIdentity(r.Context())
			if id != nil && id.IsAgent() {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + clientIP(r)
			if id != nil && id.KeyName != "" {
				key = "apikey:" + id.KeyName
			}

			res := l.Allow(r.Context(), key)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
