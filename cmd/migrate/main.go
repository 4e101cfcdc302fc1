// Command migrate manages the PostgreSQL schema, the built-in role catalog
// and the first tenant administrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/config"
	"github.com/waqedi/identity/internal/migrate"
	"github.com/waqedi/identity/internal/obs"
	"github.com/waqedi/identity/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|status|seed|bootstrap"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags("migrate")
	catalogFile := fs.String("catalog", "", "YAML role catalog (default: built-in)")
	timeout := fs.Duration("timeout", 60*time.Second, "overall deadline")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New(usage)
	}
	if cfg.Store.DSN == "" {
		return errors.New("missing DSN: provide --dsn or IDENTITY_STORE_DSN")
	}

	logger, err := obs.NewLogger(cfg.Log.Level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	mgr := migrate.NewManager(store.DB())

	switch cmd := fs.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		logger.Info("up complete", zap.Int("applied", len(applied)))
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		if name == "" {
			logger.Info("nothing to roll back")
		}
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
	case "seed":
		cat, err := loadCatalog(*catalogFile)
		if err != nil {
			return err
		}
		wrote, err := mgr.Seed(ctx, cat)
		if err != nil {
			return err
		}
		if !wrote {
			logger.Info("catalog already applied", zap.String("name", cat.Name()))
		}
	case "bootstrap":
		return bootstrap(ctx, cfg, store, logger)
	default:
		return fmt.Errorf("unknown command %q; %s", cmd, usage)
	}
	return nil
}

func loadCatalog(path string) (migrate.Catalog, error) {
	if path == "" {
		return migrate.DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return migrate.Catalog{}, err
	}
	return migrate.ParseCatalog(raw)
}

// bootstrap reads its input from the bootstrap.* settings, typically
// IDENTITY_BOOTSTRAP_EMAIL and IDENTITY_BOOTSTRAP_SECRET.
func bootstrap(ctx context.Context, cfg *config.Config, store *pg.Store, logger *zap.Logger) error {
	b := cfg.Bootstrap
	if b.Email == "" {
		return errors.New("bootstrap needs IDENTITY_BOOTSTRAP_TENANT_SLUG, IDENTITY_BOOTSTRAP_EMAIL and IDENTITY_BOOTSTRAP_SECRET")
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
	admin, err := auth.NewAdminService(store, hasher, auth.WithDefaultRole(cfg.Auth.DefaultRole))
	if err != nil {
		return err
	}
	res, err := migrate.Bootstrap(ctx, store, admin, migrate.BootstrapInput{
		TenantSlug: b.TenantSlug,
		TenantName: b.TenantName,
		Email:      b.Email,
		Secret:     b.Secret,
		Role:       b.Role,
	})
	if err != nil {
		return err
	}
	logger.Info("bootstrap complete",
		zap.String("tenant_id", res.Tenant.ID),
		zap.String("user_id", res.User.ID),
		zap.Bool("created", res.Created))
	return nil
}
