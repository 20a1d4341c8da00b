// Package auth guards the RPC surface. Operators authenticate with API keys
// (hashed at rest); bot agents authenticate with per-bot HMAC tokens minted
// at deployment time.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject  string // "apikey:<name>", "agent:<bot-id>" or "system"
	KeyName  string // API key name, empty for agents
	TenantID string // tenant scope; empty means unscoped
	BotID    int64  // set for agent identities
	Source   string // "static", "postgres", "agent-token", "system"
}

// IsAgent reports whether the caller is a bot agent.
func (id *Identity) IsAgent() bool { return id.BotID != 0 }

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity, or nil on unauthenticated paths.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// Authenticator attempts to authenticate a request; nil means "not mine".
type Authenticator interface {
	Authenticate(r *http.Request) *Identity
}

// Middleware enforces authentication outside the public paths. Authenticators
// run in order; the first non-nil identity wins.
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="usher"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
		})
	}
}

func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}
	// Entries ending in /* are prefixes.
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}
