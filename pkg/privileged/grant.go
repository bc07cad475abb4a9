package privileged

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// GrantSigner implements pipeline.SysGrantComponent: compact HMAC-signed
// tokens binding a user and an action payload, ported from
// core/system_grant.py's issue/verify pair. A token is three base64url
// segments (header.claims.signature) instead of a full JWT library since
// the claim set and algorithm are both fixed.
type GrantSigner struct {
	mu         sync.Mutex
	secret     []byte
	ttlSeconds int
	usedNonces map[string]float64 // nonce -> expiry, for replay rejection
}

func NewGrantSigner(secret string, ttlSeconds int) *GrantSigner {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return &GrantSigner{
		secret:     []byte(secret),
		ttlSeconds: ttlSeconds,
		usedNonces: map[string]float64{},
	}
}

type grantClaims struct {
	UserID     string `json:"user_id"`
	ActionHash string `json:"action_hash"`
	Nonce      string `json:"nonce"`
	IssuedAt   float64 `json:"iat"`
	ExpiresAt  float64 `json:"exp"`
}

func b64urlEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64urlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func (g *GrantSigner) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Issue mints a token bound to userID and actionPayload; the payload must
// be re-supplied byte-identical (after canonical JSON encoding) on Verify.
func (g *GrantSigner) Issue(userID string, actionPayload map[string]interface{}) (string, error) {
	now := nowUnix()
	claims := grantClaims{
		UserID:     userID,
		ActionHash: actionHash(actionPayload),
		Nonce:      uuid.NewString(),
		IssuedAt:   now,
		ExpiresAt:  now + float64(g.ttlSeconds),
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("system_grant: marshal claims: %w", err)
	}
	header := b64urlEncode([]byte(`{"alg":"HS256","typ":"SGT"}`))
	body := b64urlEncode(claimsJSON)
	signingInput := header + "." + body
	sig := b64urlEncode(g.sign([]byte(signingInput)))
	return signingInput + "." + sig, nil
}

// Verify checks signature, expiry, user binding, and action binding, and
// when consume is true rejects (and then remembers) a reused nonce.
func (g *GrantSigner) Verify(token, userID string, actionPayload map[string]interface{}, consume bool) (bool, string) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false, "malformed"
	}
	header, body, sig := parts[0], parts[1], parts[2]

	wantSig := g.sign([]byte(header + "." + body))
	gotSig, err := b64urlDecode(sig)
	if err != nil || subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return false, "bad_signature"
	}

	claimsJSON, err := b64urlDecode(body)
	if err != nil {
		return false, "malformed"
	}
	var claims grantClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return false, "malformed"
	}

	if claims.UserID != userID {
		return false, "user_mismatch"
	}
	if claims.ExpiresAt < nowUnix() {
		return false, "expired"
	}
	if claims.ActionHash != actionHash(actionPayload) {
		return false, "action_mismatch"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := nowUnix()
	for nonce, exp := range g.usedNonces {
		if exp < now {
			delete(g.usedNonces, nonce)
		}
	}
	if _, seen := g.usedNonces[claims.Nonce]; seen {
		return false, "replayed"
	}
	if consume {
		g.usedNonces[claims.Nonce] = claims.ExpiresAt
	}
	return true, ""
}

var _ pipeline.SysGrantComponent = (*GrantSigner)(nil)
