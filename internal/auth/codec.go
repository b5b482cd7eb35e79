package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	Roles        []RoleKey       `json:"roles"`
	Permissions  []PermissionKey `json:"permissions"`
	Status       UserStatus      `json:"status"`
	TokenVersion int64           `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// ClaimsFor builds access claims from a resolved principal.
func ClaimsFor(p Principal) AccessClaims {
	return AccessClaims{
		Email:        p.Email,
		Name:         p.Name,
		Roles:        p.Roles,
		Permissions:  p.Permissions,
		Status:       p.Status,
		TokenVersion: p.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.ID,
		},
	}
}

// Principal converts verified claims back into a principal.
func (c AccessClaims) Principal() Principal {
	return Principal{
		ID:           c.Subject,
		Email:        c.Email,
		Name:         c.Name,
		Status:       c.Status,
		TokenVersion: c.TokenVersion,
		Roles:        c.Roles,
		Permissions:  c.Permissions,
	}
}

// TokenCodec signs and verifies access tokens. Implementations are pure.
type TokenCodec interface {
	Issue(claims AccessClaims, ttl time.Duration) (token string, expiresAt time.Time, err error)
	Verify(token string) (AccessClaims, error)
}

// CodecConfig holds the registered-claim policy shared by all algorithms.
type CodecConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// SigningKey is an HMAC secret. The first key passed to NewHMACCodec signs;
// every key verifies, which allows secret rotation.
type SigningKey struct {
	ID     string
	Secret []byte
}

var _ TokenCodec = (*JWTCodec)(nil)

// JWTCodec implements TokenCodec with JSON Web Tokens.
type JWTCodec struct {
	cfg        CodecConfig
	method     jwt.SigningMethod
	signKID    string
	signKey    any
	verifyKeys map[string]any
}

// NewHMACCodec returns an HS256 codec. Empty secrets are skipped; with no
// secret at all Issue fails with ErrConfig.
func NewHMACCodec(cfg CodecConfig, keys ...SigningKey) *JWTCodec {
	c := newCodec(cfg, jwt.SigningMethodHS256)
	for _, k := range keys {
		if len(strings.TrimSpace(string(k.Secret))) == 0 {
			continue
		}
		id := k.ID
		if id == "" {
			id = secretKeyID(k.Secret)
		}
		if c.signKey == nil {
			c.signKID = id
			c.signKey = k.Secret
		}
		c.verifyKeys[id] = k.Secret
	}
	return c
}

// NewRSACodec returns an RS256 codec from PEM encoded keys. privatePEM may be
// empty for verify-only deployments.
func NewRSACodec(cfg CodecConfig, kid, privatePEM, publicPEM string) (*JWTCodec, error) {
	c := newCodec(cfg, jwt.SigningMethodRS256)
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrConfig, err)
	}
	c.verifyKeys[kid] = pub
	if strings.TrimSpace(privatePEM) != "" {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrConfig, err)
		}
		c.signKID = kid
		c.signKey = priv
	}
	return c, nil
}

func newCodec(cfg CodecConfig, method jwt.SigningMethod) *JWTCodec {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTCodec{cfg: cfg, method: method, verifyKeys: make(map[string]any)}
}

// Issue signs claims with the configured issuer, audience and expiry.
func (c *JWTCodec) Issue(claims AccessClaims, ttl time.Duration) (string, time.Time, error) {
	if c.signKey == nil {
		return "", time.Time{}, fmt.Errorf("%w: no signing key configured", ErrConfig)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrConfig)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}

	now := c.cfg.Now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims.Issuer = c.cfg.Issuer
	claims.Audience = nil
	if c.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.cfg.Audience}
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = uuid.NewString()

	token := jwt.NewWithClaims(c.method, claims)
	if c.signKID != "" {
		token.Header["kid"] = c.signKID
	}
	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
func (c *JWTCodec) Verify(token string) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	if len(c.verifyKeys) == 0 {
		return AccessClaims{}, fmt.Errorf("%w: no verification key configured", ErrConfig)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.cfg.Leeway),
		jwt.WithTimeFunc(c.cfg.Now),
	}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	if c.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.cfg.Audience))
	}

	var claims AccessClaims
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, c.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrExpiredToken
		}
		return AccessClaims{}, ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *JWTCodec) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := c.verifyKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func secretKeyID(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:6])
}
