package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIKeyAuthenticatorStaticKey(t *testing.T) {
	a := NewAPIKeyAuthenticator(nil, map[string]string{"ops": "uk_secret"})

	r := httptest.NewRequest(http.MethodGet, "/v1/bots", nil)
	r.Header.Set("X-API-Key", "uk_secret")
	id := a.Authenticate(r)
	if id == nil || id.KeyName != "ops" || id.Source != "static" {
		t.Fatalf("identity = %+v", id)
	}

	r.Header.Set("X-API-Key", "uk_wrong")
	if a.Authenticate(r) != nil {
		t.Fatal("wrong key must not authenticate")
	}
}

func TestAPIKeyAuthenticatorAuthorizationHeader(t *testing.T) {
	a := NewAPIKeyAuthenticator(nil, map[string]string{"ops": "uk_secret"})

	r := httptest.NewRequest(http.MethodGet, "/v1/bots", nil)
	r.Header.Set("Authorization", "ApiKey uk_secret")
	if id := a.Authenticate(r); id == nil {
		t.Fatal("ApiKey authorization scheme not accepted")
	}
}

func TestVerifyAPIKey(t *testing.T) {
	key := GenerateAPIKey()
	if !strings.HasPrefix(key, "uk_") {
		t.Fatalf("unexpected key prefix: %q", key)
	}
	hash := HashAPIKey(key)
	if !VerifyAPIKey(key, hash) {
		t.Fatal("key does not verify against its own hash")
	}
	if VerifyAPIKey(key+"x", hash) {
		t.Fatal("tampered key verified")
	}
}

func TestAgentTokenRoundTrip(t *testing.T) {
	issuer := NewAgentTokenIssuer("system-secret")
	token, err := issuer.IssueAgentToken(42)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	botID, ok := issuer.VerifyAgentToken(token)
	if !ok || botID != 42 {
		t.Fatalf("verify = (%d, %v)", botID, ok)
	}
}

func TestAgentTokenIsBotScoped(t *testing.T) {
	issuer := NewAgentTokenIssuer("system-secret")
	token, _ := issuer.IssueAgentToken(42)

	// Swapping the bot id invalidates the signature.
	forged := strings.Replace(token, "agt_42_", "agt_43_", 1)
	if _, ok := issuer.VerifyAgentToken(forged); ok {
		t.Fatal("forged token verified")
	}
}

func TestAgentTokenRejectsWrongSecret(t *testing.T) {
	token, _ := NewAgentTokenIssuer("secret-a").IssueAgentToken(42)
	if _, ok := NewAgentTokenIssuer("secret-b").VerifyAgentToken(token); ok {
		t.Fatal("token minted under another secret verified")
	}
}

func TestAgentAuthenticator(t *testing.T) {
	issuer := NewAgentTokenIssuer("system-secret")
	a := NewAgentAuthenticator(issuer, "system-secret")

	token, _ := issuer.IssueAgentToken(7)
	r := httptest.NewRequest(http.MethodPost, "/agent/v1/bots/7/heartbeat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id := a.Authenticate(r)
	if id == nil || id.BotID != 7 || !id.IsAgent() {
		t.Fatalf("identity = %+v", id)
	}

	r.Header.Set("Authorization", "Bearer system-secret")
	id = a.Authenticate(r)
	if id == nil || id.Subject != "system" {
		t.Fatalf("system identity = %+v", id)
	}

	r.Header.Set("Authorization", "Bearer nonsense")
	if a.Authenticate(r) != nil {
		t.Fatal("garbage token authenticated")
	}
}

func TestMiddleware(t *testing.T) {
	issuer := NewAgentTokenIssuer("system-secret")
	mw := Middleware(
		[]Authenticator{
			NewAPIKeyAuthenticator(nil, map[string]string{"ops": "uk_secret"}),
			NewAgentAuthenticator(issuer, ""),
		},
		[]string{"/health", "/metrics"},
	)

	var seen *Identity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Public path passes without credentials.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("public path rejected: %d", rec.Code)
	}

	// Missing credentials on a private path.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bots", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// Valid API key.
	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/bots", nil)
	r.Header.Set("X-API-Key", "uk_secret")
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.KeyName != "ops" {
		t.Fatalf("identity not propagated: %+v", seen)
	}
}

func TestIsPublicPathPrefix(t *testing.T) {
	set := map[string]bool{"/health/*": true}
	if !isPublicPath("/health/ready", set) {
		t.Fatal("prefix public path not matched")
	}
	if isPublicPath("/v1/bots", set) {
		t.Fatal("private path matched")
	}
}
