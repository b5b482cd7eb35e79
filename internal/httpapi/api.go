package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/obs"
)

const serviceName = "cmsgate"

// ReadinessChecker reports whether dependencies (the database) are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// AlwaysReady is used when the service runs without external dependencies.
var AlwaysReady = ReadyFunc(func(context.Context) error { return nil })

// Deps wires the HTTP layer to the auth services.
type Deps struct {
	Sessions      *auth.SessionService
	Authenticator *auth.Authenticator
	Admin         *auth.AdminService
	Ready         ReadinessChecker
	Version       string

	Cookies       CookieConfig
	CORSOrigins   []string
	RateBurst     int
	RatePerSecond float64
	MaxBodyBytes  int64

	// TrustedProxies may set X-Forwarded-For; other peers are keyed by
	// their own address for rate limiting and audit.
	TrustedProxies []netip.Prefix
}

// API is the HTTP surface: session endpoints, admin endpoints and probes.
type API struct {
	mux      *http.ServeMux
	sessions *auth.SessionService
	authn    *auth.Authenticator
	admin    *auth.AdminService
	ready    ReadinessChecker
	version  string
	cookies  CookieConfig
	csrf     CSRFGuard
	limiter  *ipLimiter
	origins  []string
	maxBody  int64
	proxies  []netip.Prefix

	// methods lists the methods served per route path, in registration order.
	methods map[string][]string
	paths   []string
}

func New(d Deps) (*API, error) {
	if d.Sessions == nil || d.Authenticator == nil || d.Admin == nil {
		return nil, errors.New("httpapi: sessions, authenticator and admin services are required")
	}
	if d.Ready == nil {
		d.Ready = AlwaysReady
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 10
	}
	if d.RatePerSecond <= 0 {
		d.RatePerSecond = 5
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:      http.NewServeMux(),
		sessions: d.Sessions,
		authn:    d.Authenticator,
		admin:    d.Admin,
		ready:    d.Ready,
		version:  d.Version,
		cookies:  d.Cookies,
		limiter:  newIPLimiter(d.RateBurst, d.RatePerSecond),
		origins:  d.CORSOrigins,
		maxBody:  d.MaxBodyBytes,
		proxies:  d.TrustedProxies,
		methods:  make(map[string][]string),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.routeSessions()
	a.routeAdmin()
	for _, path := range a.paths {
		allowed := a.methods[path]
		a.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			methodNotAllowed(w, r, allowed...)
		})
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	return a, nil
}

// handle registers a "METHOD /path" pattern. Other methods on the same path
// are answered with 405 instead of falling through to the catch-all.
func (a *API) handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
	method, path, _ := strings.Cut(pattern, " ")
	if _, seen := a.methods[path]; !seen {
		a.paths = append(a.paths, path)
	}
	a.methods[path] = append(a.methods[path], method)
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = ClientIP(a.proxies)(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeError(w, r, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// chain applies middleware so that the first one listed runs first.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
