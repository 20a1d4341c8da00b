package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Agent tokens are deterministic HMACs over the bot id, keyed by the system
// secret. The control plane can re-derive them for verification without
// storing anything; a token is only ever valid for its own bot.

// AgentTokenIssuer mints and verifies per-bot agent tokens.
type AgentTokenIssuer struct {
	secret []byte
}

func NewAgentTokenIssuer(systemToken string) *AgentTokenIssuer {
	return &AgentTokenIssuer{secret: []byte(systemToken)}
}

// IssueAgentToken returns the bearer token injected into the bot's
// environment.
func (i *AgentTokenIssuer) IssueAgentToken(botID int64) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("agent token secret not configured")
	}
	return fmt.Sprintf("agt_%d_%s", botID, i.sign(botID)), nil
}

// VerifyAgentToken checks the token and returns the bot id it was minted
// for.
func (i *AgentTokenIssuer) VerifyAgentToken(token string) (int64, bool) {
	if len(i.secret) == 0 {
		return 0, false
	}
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != "agt" {
		return 0, false
	}
	botID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || botID <= 0 {
		return 0, false
	}
	if !hmac.Equal([]byte(parts[2]), []byte(i.sign(botID))) {
		return 0, false
	}
	return botID, true
}

func (i *AgentTokenIssuer) sign(botID int64) string {
	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "usher-agent:%d", botID)
	return hex.EncodeToString(mac.Sum(nil))
}

// AgentAuthenticator authenticates bot agents by bearer token. The system
// token itself is also accepted, for operators driving the agent surface by
// hand.
type AgentAuthenticator struct {
	issuer      *AgentTokenIssuer
	systemToken string
}

func NewAgentAuthenticator(issuer *AgentTokenIssuer, systemToken string) *AgentAuthenticator {
	return &AgentAuthenticator{issuer: issuer, systemToken: systemToken}
}

func (a *AgentAuthenticator) Authenticate(r *http.Request) *Identity {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(h, "Bearer ")

	if a.systemToken != "" && subtleEqual(token, a.systemToken) {
		return &Identity{Subject: "system", Source: "system"}
	}
	if botID, ok := a.issuer.VerifyAgentToken(token); ok {
		return &Identity{
			Subject: fmt.Sprintf("agent:%d", botID),
			BotID:   botID,
			Source:  "agent-token",
		}
	}
	return nil
}

func subtleEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
