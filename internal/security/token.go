package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credential errors
var (
	ErrTokenMalformed = errors.New("security: malformed session token")
	ErrTokenSignature = errors.New("security: session token signature mismatch")
	ErrTokenExpired   = errors.New("security: session token expired")
)

// tokenLabel separates the report-credential key from any other key
// derived from the same master key.
const tokenLabel = "session-token"

// Identity is the authenticated subject a session token carries. The
// ledger trusts these fields, not anything in the request body.
type Identity struct {
	AttemptID string `json:"attempt_id"`
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

type tokenClaims struct {
	Identity
	ExpiresAt int64 `json:"exp,omitempty"`
}

// TokenAuthority mints and verifies per-attempt report credentials.
// A token is base64url(claims JSON) + "." + base64url(HMAC-SHA256).
type TokenAuthority struct {
	key []byte
	ttl time.Duration
}

// NewTokenAuthority derives the signing key from masterKey. A zero ttl
// disables the expiry check.
func NewTokenAuthority(masterKey []byte, ttl time.Duration) (*TokenAuthority, error) {
	key, err := DeriveKeyWithLabel(masterKey, tokenLabel, RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &TokenAuthority{key: key, ttl: ttl}, nil
}

// Mint issues a signed token for the given identity.
func (a *TokenAuthority) Mint(id Identity) (string, error) {
	claims := tokenClaims{Identity: id}
	if a.ttl > 0 {
		claims.ExpiresAt = time.Now().Add(a.ttl).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + a.sign(body), nil
}

// Verify checks signature and expiry and returns the embedded identity.
func (a *TokenAuthority) Verify(token string) (*Identity, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrTokenMalformed
	}
	// Signature first so malformed bodies cannot be probed
	if !SecureCompare([]byte(a.sign(body)), []byte(sig)) {
		return nil, ErrTokenSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if claims.ExpiresAt > 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.SessionID == "" || claims.AttemptID == "" {
		return nil, ErrTokenMalformed
	}
	return &claims.Identity, nil
}

func (a *TokenAuthority) sign(body string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
