package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for any invalid or missing setting.
var ErrConfig = errors.New("config: invalid configuration")

// Config is the runtime configuration of the API process, read from CMS_* variables.
type Config struct {
	Env      string
	LogLevel string
	Version  string

	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	AuthSecret        string
	AuthPrevSecrets   []string
	AuthIssuer        string
	AuthAudience      string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RefreshTokenBytes int
	ClockSkew         time.Duration
	RevokeOnReuse     bool
	JWTPrivateKeyPEM  string
	JWTPublicKeyPEM   string
	JWTKeyID          string

	CookieSecure bool
	CookieDomain string
	CORSOrigins  []string

	RateBurst     int
	RatePerSecond float64
	MaxBodyBytes  int64

	// TrustedProxies lists peers whose X-Forwarded-For header names the client.
	TrustedProxies []netip.Prefix

	// BootstrapEmail and BootstrapPassword create a SUPERADMIN on startup
	// when no user with that email exists.
	BootstrapEmail    string
	BootstrapPassword string
}

// Default returns development defaults. Production deployments override via env.
func Default() Config {
	return Config{
		Env:               "development",
		LogLevel:          "info",
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		AuthIssuer:        "cmsgate",
		AuthAudience:      "cmsgate-admin",
		AccessTTL:         time.Hour,
		RefreshTTL:        7 * 24 * time.Hour,
		RefreshTokenBytes: 32,
		ClockSkew:         30 * time.Second,
		RevokeOnReuse:     true,
		RateBurst:         10,
		RatePerSecond:     5,
		MaxBodyBytes:      1 << 20,
	}
}

// IsProduction reports whether Env names a production deployment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration with os.Getenv.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv.
//
// Required: CMS_AUTH_SECRET, unless an RSA key pair is configured with
// CMS_JWT_PRIVATE_KEY and CMS_JWT_PUBLIC_KEY.
// CMS_REFRESH_TTL_DAYS is a whole number of days; other durations use Go syntax.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	cfg.Env = p.str("CMS_ENV", cfg.Env)
	cfg.LogLevel = p.str("CMS_LOG_LEVEL", cfg.LogLevel)
	cfg.Version = p.str("CMS_VERSION", cfg.Version)
	cfg.HTTPAddr = p.str("CMS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = p.str("CMS_GRPC_ADDR", cfg.GRPCAddr)
	cfg.PGDSN = p.str("CMS_PG_DSN", cfg.PGDSN)

	cfg.AuthSecret = p.str("CMS_AUTH_SECRET", "")
	cfg.AuthPrevSecrets = p.list("CMS_AUTH_PREVIOUS_SECRETS")
	cfg.AuthIssuer = p.str("CMS_AUTH_ISSUER", cfg.AuthIssuer)
	cfg.AuthAudience = p.str("CMS_AUTH_AUDIENCE", cfg.AuthAudience)
	cfg.AccessTTL = p.duration("CMS_ACCESS_TTL", cfg.AccessTTL)
	if days := p.integer("CMS_REFRESH_TTL_DAYS", 0); days > 0 {
		cfg.RefreshTTL = time.Duration(days) * 24 * time.Hour
	} else if days < 0 {
		p.fail("CMS_REFRESH_TTL_DAYS", "must be positive")
	}
	cfg.RefreshTokenBytes = p.integer("CMS_REFRESH_TOKEN_BYTES", cfg.RefreshTokenBytes)
	cfg.ClockSkew = p.duration("CMS_AUTH_CLOCK_SKEW", cfg.ClockSkew)
	cfg.RevokeOnReuse = p.boolean("CMS_AUTH_REVOKE_ON_REUSE", cfg.RevokeOnReuse)
	cfg.JWTPrivateKeyPEM = p.str("CMS_JWT_PRIVATE_KEY", "")
	cfg.JWTPublicKeyPEM = p.str("CMS_JWT_PUBLIC_KEY", "")
	cfg.JWTKeyID = p.str("CMS_JWT_KEY_ID", "rsa-1")

	cfg.CookieSecure = p.boolean("CMS_COOKIE_SECURE", cfg.IsProduction())
	cfg.CookieDomain = p.str("CMS_COOKIE_DOMAIN", "")
	cfg.CORSOrigins = p.list("CMS_CORS_ORIGINS")

	cfg.RateBurst = p.integer("CMS_RATE_BURST", cfg.RateBurst)
	cfg.RatePerSecond = p.float("CMS_RATE_PER_SECOND", cfg.RatePerSecond)
	cfg.MaxBodyBytes = int64(p.integer("CMS_MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.TrustedProxies = p.prefixes("CMS_TRUSTED_PROXIES")

	cfg.BootstrapEmail = p.str("CMS_BOOTSTRAP_ADMIN_EMAIL", "")
	cfg.BootstrapPassword = p.str("CMS_BOOTSTRAP_ADMIN_PASSWORD", "")

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	usesRSA := c.JWTPublicKeyPEM != ""
	switch {
	case !usesRSA && strings.TrimSpace(c.AuthSecret) == "":
		return fmt.Errorf("%w: CMS_AUTH_SECRET is required", ErrConfig)
	case !usesRSA && c.IsProduction() && len(c.AuthSecret) < 32:
		return fmt.Errorf("%w: CMS_AUTH_SECRET must be at least 32 bytes in production", ErrConfig)
	case c.AccessTTL <= 0:
		return fmt.Errorf("%w: CMS_ACCESS_TTL must be positive", ErrConfig)
	case c.AccessTTL >= c.RefreshTTL:
		return fmt.Errorf("%w: access TTL must be shorter than refresh TTL", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: CMS_REFRESH_TOKEN_BYTES must be within [32,64]", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: CMS_AUTH_CLOCK_SKEW must not be negative", ErrConfig)
	case c.RateBurst <= 0 || c.RatePerSecond <= 0:
		return fmt.Errorf("%w: rate limit must be positive", ErrConfig)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: CMS_MAX_BODY_BYTES must be positive", ErrConfig)
	case c.IsProduction() && !c.CookieSecure:
		return fmt.Errorf("%w: cookies must be Secure in production", ErrConfig)
	case (c.BootstrapEmail == "") != (c.BootstrapPassword == ""):
		return fmt.Errorf("%w: bootstrap admin needs both email and password", ErrConfig)
	}
	return nil
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key, reason string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s %s", ErrConfig, key, reason)
	}
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prefixes accepts CIDRs and bare addresses; an address becomes a single-host prefix.
func (p *parser) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range p.list(key) {
		if pfx, err := netip.ParsePrefix(part); err == nil {
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			p.fail(key, fmt.Sprintf("entry %q is not an IP or CIDR", part))
			return nil
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, "is not a duration")
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, "is not an integer")
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, "is not a number")
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, "is not a boolean")
		return def
	}
	return b
}
