package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/store"
)

// APIKeyAuthenticator validates operator API keys from the X-API-Key header
// or "Authorization: ApiKey <key>".
type APIKeyAuthenticator struct {
	store      store.APIKeyStore
	staticKeys map[string]string // key hash -> name
}

// NewAPIKeyAuthenticator indexes static bootstrap keys by hash and falls
// back to the database for everything else.
func NewAPIKeyAuthenticator(st store.APIKeyStore, staticKeys map[string]string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{store: st, staticKeys: make(map[string]string)}
	for name, key := range staticKeys {
		a.staticKeys[HashAPIKey(key)] = name
	}
	return a
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "ApiKey ") {
			key = strings.TrimPrefix(h, "ApiKey ")
		}
	}
	if key == "" {
		return nil
	}

	keyHash := HashAPIKey(key)
	if name, ok := a.staticKeys[keyHash]; ok {
		return &Identity{Subject: "apikey:" + name, KeyName: name, Source: "static"}
	}

	if a.store != nil {
		if id := a.checkStoreKey(r.Context(), keyHash); id != nil {
			return id
		}
	}
	return nil
}

func (a *APIKeyAuthenticator) checkStoreKey(ctx context.Context, keyHash string) *Identity {
	apiKey, err := a.store.GetAPIKeyByHash(ctx, keyHash)
	if err != nil || apiKey == nil {
		return nil
	}
	if !apiKey.Enabled {
		return nil
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil
	}

	if err := a.store.TouchAPIKey(ctx, apiKey.Name, time.Now()); err != nil {
		logging.Op().Debug("touch api key failed", "key", apiKey.Name, "error", err)
	}

	return &Identity{
		Subject:  "apikey:" + apiKey.Name,
		KeyName:  apiKey.Name,
		TenantID: apiKey.TenantID,
		Source:   "postgres",
	}
}

// HashAPIKey is the at-rest form of a key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyAPIKey compares a plaintext key against a stored hash in constant
// time.
func VerifyAPIKey(plaintext, hash string) bool {
	computed := HashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// GenerateAPIKey mints a random key with the usher key prefix. Only the hash
// is ever stored.
func GenerateAPIKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomBytes := make([]byte, 24)
	rand.Read(randomBytes)
	b := make([]byte, len(randomBytes))
	for i := range b {
		b[i] = charset[randomBytes[i]%byte(len(charset))]
	}
	return "uk_" + string(b)
}

// CreateAPIKey stores a new key for a tenant and returns the plaintext once.
func CreateAPIKey(ctx context.Context, st store.APIKeyStore, name, tenantID string, expiresAt *time.Time) (string, error) {
	key := GenerateAPIKey()
	record := &store.APIKey{
		Name:      name,
		KeyHash:   HashAPIKey(key),
		TenantID:  tenantID,
		Enabled:   true,
		ExpiresAt: expiresAt,
	}
	if err := st.SaveAPIKey(ctx, record); err != nil {
		return "", err
	}
	return key, nil
}
