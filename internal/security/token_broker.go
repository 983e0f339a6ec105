package security

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Token validation failure modes, ordered the same way validation runs.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenRevoked     = errors.New("token has been revoked")
)

// TokenPayload is the claim set sealed inside every issued token.
type TokenPayload struct {
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenBrokerConfig configures the token broker.
type TokenBrokerConfig struct {
	SigningSecret         string
	PreviousSigningSecret string // accepted during rotation, may be empty
	GatewayPrivateKey     *rsa.PrivateKey
	MaxLifetime           time.Duration
	RotationThreshold     time.Duration
}

// TokenBroker issues and validates bearer tokens of the form
//
//	base64url(ciphertext) "." hex(hmac_sha256(signing_secret, ciphertext))
//
// The payload is encrypted with the gateway's own keypair, so validation is
// fully stateless: no token row exists server-side. The HMAC covers the raw
// ciphertext bytes, not the base64 string, to avoid canonicalization
// ambiguity. A previous signing secret is accepted so the secret can be
// rotated without invalidating in-flight tokens.
type TokenBroker struct {
	secret     []byte
	prevSecret []byte
	priv       *rsa.PrivateKey
	pub        *rsa.PublicKey
	maxLife    time.Duration
	rotateAt   time.Duration

	mu      sync.RWMutex
	revoked map[string]time.Time // nonce -> revocation time
}

// NewTokenBroker creates a broker around the gateway keypair.
func NewTokenBroker(cfg TokenBrokerConfig) (*TokenBroker, error) {
	if cfg.SigningSecret == "" {
		return nil, errors.New("signing secret is required")
	}
	if cfg.GatewayPrivateKey == nil {
		return nil, errors.New("gateway private key is required")
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 24 * time.Hour
	}
	if cfg.RotationThreshold == 0 {
		cfg.RotationThreshold = 10 * time.Minute
	}

	var prev []byte
	if cfg.PreviousSigningSecret != "" {
		prev = []byte(cfg.PreviousSigningSecret)
	}

	return &TokenBroker{
		secret:     []byte(cfg.SigningSecret),
		prevSecret: prev,
		priv:       cfg.GatewayPrivateKey,
		pub:        &cfg.GatewayPrivateKey.PublicKey,
		maxLife:    cfg.MaxLifetime,
		rotateAt:   cfg.RotationThreshold,
		revoked:    make(map[string]time.Time),
	}, nil
}

// Issue seals a payload into a signed token. ExpiresAt must be in the
// future and within the configured max lifetime.
func (tb *TokenBroker) Issue(agentID, agentName string, tools, permissions []string, expiresAt time.Time) (string, *TokenPayload, error) {
	now := time.Now()
	if !expiresAt.After(now) {
		return "", nil, errors.New("expires_at must be in the future")
	}
	if expiresAt.Sub(now) > tb.maxLife {
		return "", nil, fmt.Errorf("token lifetime exceeds maximum %s", tb.maxLife)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return "", nil, err
	}

	payload := &TokenPayload{
		AgentID:     agentID,
		AgentName:   agentName,
		Tools:       tools,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		Nonce:       nonce,
		IssuedAt:    now,
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("serialize token payload: %w", err)
	}

	ciphertext, err := Encrypt(tb.pub, plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt token payload: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(ciphertext) +
		"." +
		hex.EncodeToString(tb.sign(tb.secret, ciphertext))

	return token, payload, nil
}

// Validate runs the stateless checks: format, signature (constant time,
// current then previous secret), decryption, claim completeness, expiry
// (strict: a token exactly at expires_at is expired), revocation. Agent
// existence and status are the caller's responsibility.
func (tb *TokenBroker) Validate(token string) (*TokenPayload, error) {
	blob, sig, ok := splitLastDot(token)
	if !ok {
		return nil, ErrMalformedToken
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrMalformedToken
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformedToken
	}

	valid := hmac.Equal(sigBytes, tb.sign(tb.secret, ciphertext))
	if !valid && tb.prevSecret != nil {
		valid = hmac.Equal(sigBytes, tb.sign(tb.prevSecret, ciphertext))
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	plaintext, err := Decrypt(tb.priv, ciphertext)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var payload TokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if payload.AgentID == "" || payload.Nonce == "" || payload.ExpiresAt.IsZero() ||
		payload.Tools == nil || payload.Permissions == nil {
		return nil, ErrInvalidToken
	}

	if !time.Now().Before(payload.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	tb.mu.RLock()
	_, revoked := tb.revoked[payload.Nonce]
	tb.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return &payload, nil
}

// RotationAdvised reports whether the token is close enough to expiry that
// the caller should be told to rotate.
func (tb *TokenBroker) RotationAdvised(payload *TokenPayload) bool {
	return time.Until(payload.ExpiresAt) < tb.rotateAt
}

// Revoke invalidates a token by nonce. Idempotent.
func (tb *TokenBroker) Revoke(nonce string) {
	tb.mu.Lock()
	tb.revoked[nonce] = time.Now()
	tb.mu.Unlock()
}

// SweepRevoked drops revocation entries older than the max token lifetime;
// their tokens have expired on their own by then.
func (tb *TokenBroker) SweepRevoked() int {
	cutoff := time.Now().Add(-tb.maxLife)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	swept := 0
	for nonce, at := range tb.revoked {
		if at.Before(cutoff) {
			delete(tb.revoked, nonce)
			swept++
		}
	}
	return swept
}

func (tb *TokenBroker) sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// splitLastDot splits on the final "." so base64 padding variants in the
// blob can never confuse parsing.
func splitLastDot(token string) (string, string, bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
