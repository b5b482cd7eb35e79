package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
)

const maxRefreshTokenLen = 4096

// RefreshConfig controls refresh token lifetime and entropy.
type RefreshConfig struct {
	TTL        time.Duration
	TokenBytes int
	Now        func() time.Time
}

// DefaultRefreshConfig returns a 7 day, 32 byte policy.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{TTL: 7 * 24 * time.Hour, TokenBytes: 32, Now: time.Now}
}

// Normalize fills zero fields with defaults.
func (c RefreshConfig) Normalize() RefreshConfig {
	def := DefaultRefreshConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.TokenBytes < 32 {
		c.TokenBytes = def.TokenBytes
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// NewRefreshSecret returns a URL-safe random token and its SHA-256 hex digest.
func NewRefreshSecret(nBytes int) (plain, hashHex string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, HashRefreshToken(plain), nil
}

// HashRefreshToken is the storage key of a raw refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NormalizeRefreshToken trims raw and rejects empty or oversized input.
func NormalizeRefreshToken(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxRefreshTokenLen {
		return "", false
	}
	return raw, true
}

// CheckRotatable classifies a stored record. Revocation is reported before
// expiry; a revoked record with a successor is a reuse.
func CheckRotatable(rec RefreshToken, now time.Time) error {
	if rec.RevokedAt != nil {
		if rec.ReplacedByTokenHash != nil {
			return &ReuseError{UserID: rec.UserID}
		}
		return ErrTokenRevoked
	}
	if !rec.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	return nil
}
