// Command identityd serves login, token refresh, authorization and tenant
// administration over HTTP and gRPC.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/waqedi/identity/internal/audit"
	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/authz"
	"github.com/waqedi/identity/internal/config"
	"github.com/waqedi/identity/internal/httpapi"
	"github.com/waqedi/identity/internal/migrate"
	"github.com/waqedi/identity/internal/obs"
	"github.com/waqedi/identity/internal/ratelimit"
	"github.com/waqedi/identity/internal/store/memory"
	"github.com/waqedi/identity/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

// backend is a credential store the service can also health-check.
type backend interface {
	auth.Store
	Ping(ctx context.Context) error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "identityd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(config.Flags("identityd"), args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, sink, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var auditOpts []audit.Option
	if sink != nil {
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	events := audit.NewRecorder(auditOpts...)

	ring, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(auth.PasswordParams{
		Memory:      cfg.Auth.ArgonMemory,
		Iterations:  cfg.Auth.ArgonTime,
		Parallelism: cfg.Auth.ArgonThreads,
		SaltLength:  auth.DefaultPasswordParams.SaltLength,
		KeyLength:   auth.DefaultPasswordParams.KeyLength,
	})
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(ring,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	refresh := auth.NewRefreshCoordinator(store, issuer,
		auth.WithRefreshWait(cfg.Auth.RefreshWait),
		auth.WithReuseGrace(cfg.Auth.ReuseGrace),
		auth.WithRefreshEvents(events),
	)
	svc, err := auth.NewService(store, hasher, issuer, refresh,
		auth.WithDefaultTenant(cfg.Auth.DefaultTenant),
		auth.WithEvents(events),
	)
	if err != nil {
		return err
	}
	resolver := authz.NewResolver(store.Users(), store.Roles(),
		authz.WithCache(authz.NewPrincipalCache(cfg.Authz.CacheSize, cfg.Authz.CacheTTL)),
		authz.WithEvents(events),
	)
	admin, err := auth.NewAdminService(store, hasher,
		auth.WithDefaultRole(cfg.Auth.DefaultRole),
		auth.WithGrantInvalidator(resolver.Invalidate),
		auth.WithAdminEvents(events),
		auth.WithVerificationTTL(cfg.Auth.VerifyTTL),
	)
	if err != nil {
		return err
	}

	if cfg.Bootstrap.Email != "" {
		res, err := migrate.Bootstrap(ctx, store, admin, migrate.BootstrapInput{
			TenantSlug: cfg.Bootstrap.TenantSlug,
			TenantName: cfg.Bootstrap.TenantName,
			Email:      cfg.Bootstrap.Email,
			Secret:     cfg.Bootstrap.Secret,
			Role:       cfg.Bootstrap.Role,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("bootstrap", zap.String("tenant_id", res.Tenant.ID), zap.String("user_id", res.User.ID), zap.Bool("created", res.Created))
	}

	loginLimiter, closeLimiter, err := newLoginLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	api, err := httpapi.New(httpapi.Deps{
		Sessions:     svc,
		Admin:        admin,
		Authz:        resolver,
		Keys:         ring,
		LoginLimiter: loginLimiter,
		IPLimiter:    ratelimit.NewTokenBucket(cfg.RateLimit.IPRate, cfg.RateLimit.IPBurst, 10*time.Minute),
		Ready:        httpapi.ReadyProbe{Store: store},
	}, httpapi.Options{
		Version:      version,
		CookieSecure: cfg.Auth.CookieSecure,
		TrustProxy:   cfg.HTTP.TrustProxy,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		Signup:       cfg.Auth.SignupEnabled,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv, health := httpapi.NewGRPC(httpapi.NewGRPCServer(svc, resolver))
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		runJanitor(gctx, store, cfg.Janitor.Interval, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (backend, audit.Sink, func(), error) {
	if cfg.Store.Driver == "postgres" {
		s, err := pg.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil
	}

	s := memory.New()
	cat, err := migrate.DefaultCatalog()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := migrate.ApplyCatalog(ctx, s, cat); err != nil {
		return nil, nil, nil, err
	}
	obs.Logger().Warn("using in-memory store, state is lost on restart")
	return s, nil, func() {}, nil
}

func loadKeys(cfg *config.Config, logger *zap.Logger) (*auth.KeyRing, error) {
	pemData, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	switch {
	case pemData != "":
		k, err := auth.RSAKeyFromPEM(cfg.Auth.SigningKeyID, pemData)
		if err != nil {
			return nil, err
		}
		return auth.NewKeyRing(k)
	case cfg.Auth.HMACSecret != "":
		logger.Warn("signing with a shared HMAC secret, JWKS will be empty")
		return auth.NewKeyRing(auth.HMACKey(cfg.Auth.SigningKeyID, []byte(cfg.Auth.HMACSecret)))
	default:
		logger.Warn("no signing key configured, generated an ephemeral RSA key")
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		return auth.NewKeyRing(auth.RSAKey(cfg.Auth.SigningKeyID, priv))
	}
}

func newLoginLimiter(cfg *config.Config) (ratelimit.Limiter, func(), error) {
	rl := cfg.RateLimit
	if rl.Backend != "redis" {
		return ratelimit.NewWindow(rl.LoginAttempts, rl.LoginWindow), func() {}, nil
	}
	client, err := ratelimit.Dial(rl.RedisAddr, rl.RedisPassword, rl.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	lim, err := ratelimit.NewRedis(client, "identity:login:", rl.LoginAttempts, rl.LoginWindow)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return lim, func() { _ = client.Close() }, nil
}

// runJanitor purges expired refresh tokens until ctx ends.
func runJanitor(ctx context.Context, store auth.Store, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := store.RefreshTokens().PurgeExpired(ctx, now.UTC())
			if err != nil {
				logger.Warn("purge expired refresh tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired refresh tokens", zap.Int64("count", n))
			}
		}
	}
}
