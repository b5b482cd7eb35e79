package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/config"
	"cmsgate.org/internal/httpapi"
	"cmsgate.org/internal/obs"
	"cmsgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend struct {
	users   auth.AdminStore
	refresh auth.RefreshTokenStore
	ready   httpapi.ReadinessChecker
	close   func() error
}

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("api_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Version != "" {
		version = cfg.Version
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	build := obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer be.close()

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(be.users)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionService(be.users, resolver, codec, be.refresh,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithReuseRevocation(cfg.RevokeOnReuse),
		auth.WithLogger(log),
	)
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(codec, be.users)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdminService(be.users, be.refresh)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, cfg, admin); err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		Authenticator: authn,
		Admin:         admin,
		Ready:         be.ready,
		Version:       version,
		Cookies:       httpapi.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain},
		CORSOrigins:   cfg.CORSOrigins,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,

		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv, health := httpapi.NewGRPCServer(be.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http_listen", slog.String("addr", srv.Addr),
			slog.String("version", build.Version), slog.String("commit", build.Commit))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info("grpc_listen", slog.String("addr", cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		return health.Run(gctx, 10*time.Second)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

// openBackend uses Postgres when a DSN is configured and in-memory stores
// otherwise. Memory mode is refused in production.
func openBackend(cfg config.Config) (backend, error) {
	refreshCfg := auth.RefreshConfig{TTL: cfg.RefreshTTL, TokenBytes: cfg.RefreshTokenBytes}
	if cfg.PGDSN == "" {
		if cfg.IsProduction() {
			return backend{}, fmt.Errorf("%w: CMS_PG_DSN is required in production", config.ErrConfig)
		}
		obs.Logger().Warn("memory_backend", slog.String("reason", "CMS_PG_DSN not set"))
		return backend{
			users:   auth.NewMemoryStore(),
			refresh: auth.NewMemoryRefreshStore(refreshCfg),
			ready:   httpapi.AlwaysReady,
			close:   func() error { return nil },
		}, nil
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return backend{}, fmt.Errorf("open db: %w", err)
	}
	return backend{
		users:   store,
		refresh: store.RefreshTokens(refreshCfg),
		ready:   httpapi.ReadyFunc(store.Check),
		close:   store.Close,
	}, nil
}

// newCodec prefers RS256 when a public key is configured; otherwise it signs
// with CMS_AUTH_SECRET and still verifies tokens from previous secrets.
func newCodec(cfg config.Config) (auth.TokenCodec, error) {
	cc := auth.CodecConfig{Issuer: cfg.AuthIssuer, Audience: cfg.AuthAudience, Leeway: cfg.ClockSkew}
	if cfg.JWTPublicKeyPEM != "" {
		return auth.NewRSACodec(cc, cfg.JWTKeyID, cfg.JWTPrivateKeyPEM, cfg.JWTPublicKeyPEM)
	}
	keys := []auth.SigningKey{{Secret: []byte(cfg.AuthSecret)}}
	for _, prev := range cfg.AuthPrevSecrets {
		keys = append(keys, auth.SigningKey{Secret: []byte(prev)})
	}
	return auth.NewHMACCodec(cc, keys...), nil
}

func bootstrap(ctx context.Context, cfg config.Config, admin *auth.AdminService) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := admin.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if cfg.BootstrapEmail == "" {
		return nil
	}
	u, created, err := admin.BootstrapSuperadmin(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		obs.Logger().Info("bootstrap_admin_created", slog.String("user_id", u.ID))
	}
	return nil
}
