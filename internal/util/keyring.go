package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// SessionClaims are the claims carried by a session token. SessionID is
// the only thing the token asserts; everything else about the session
// lives in the store.
type SessionClaims struct {
	SessionID string `json:"sid"`

	jwt.RegisteredClaims
}

// Keyring holds the current signing key and, during rotation, the
// previous one so outstanding tokens keep verifying. Key ids are
// derived from the key bytes, so every instance sharing the keys agrees
// on them without coordination.
type Keyring struct {
	current     []byte
	currentKID  string
	previous    []byte
	previousKID string
}

// NewKeyring builds a ring from the current key and an optional
// previous key.
func NewKeyring(current, previous []byte) (*Keyring, error) {
	if len(current) == 0 {
		return nil, errors.New("keyring: current key required")
	}
	k := &Keyring{
		current:    current,
		currentKID: keyID(current),
	}
	if len(previous) > 0 {
		k.previous = previous
		k.previousKID = keyID(previous)
	}
	return k, nil
}

// Signing returns the current key and its id.
func (k *Keyring) Signing() ([]byte, string) {
	return k.current, k.currentKID
}

// Verification returns the key for kid, checking current then previous.
func (k *Keyring) Verification(kid string) ([]byte, bool) {
	switch kid {
	case k.currentKID:
		return k.current, true
	case k.previousKID:
		if k.previous != nil {
			return k.previous, true
		}
	}
	return nil, false
}

func keyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// TokenConfig holds the issuer identity stamped into session tokens.
type TokenConfig struct {
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`
}

// TokenManager mints and parses session tokens. Tokens are HS256 JWTs
// with a kid header resolved against the keyring.
type TokenManager struct {
	config  TokenConfig
	keyring *Keyring
	now     func() time.Time
}

// NewTokenManager wires the manager to its keyring.
func NewTokenManager(cfg TokenConfig, keyring *Keyring) *TokenManager {
	if cfg.Issuer == "" {
		cfg.Issuer = "audit-service"
	}
	return &TokenManager{
		config:  cfg,
		keyring: keyring,
		now:     time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (tm *TokenManager) SetClock(now func() time.Time) {
	tm.now = now
}

// Mint signs a token for the session, expiring with it.
func (tm *TokenManager) Mint(sessionID string, userID uuid.UUID, expiresAt time.Time) (string, error) {
	now := tm.now().UTC()

	claims := SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID.String(),
			Issuer:    tm.config.Issuer,
			Audience:  jwt.ClaimStrings(tm.config.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	key, kid := tm.keyring.Signing()
	token.Header["kid"] = kid

	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return tokenString, nil
}

// Parse validates a session token and returns its claims. Tokens signed
// with the previous key keep verifying for the length of a rotation.
func (tm *TokenManager) Parse(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		key, ok := tm.keyring.Verification(kid)
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid session token")
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, errors.New("invalid session token claims")
	}
	if claims.SessionID == "" {
		return nil, errors.New("session token missing session id")
	}
	return claims, nil
}
