package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/migrate"
	"cmsgate.org/internal/store/pg"
	"cmsgate.org/migrations"
)

const usage = "usage: migrate [up|down|seed|status|bootstrap-admin|purge-tokens]"

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("CMS_PG_DSN"), "PostgreSQL DSN")
		email    = flag.String("email", os.Getenv("CMS_BOOTSTRAP_ADMIN_EMAIL"), "bootstrap-admin: account email")
		password = flag.String("password", os.Getenv("CMS_BOOTSTRAP_ADMIN_PASSWORD"), "bootstrap-admin: account password")
		retain   = flag.Duration("retain", 30*24*time.Hour, "purge-tokens: keep expired or revoked tokens this long")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CMS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.SQL(), migrations.Seeds())

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []migrate.Record
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, r := range history {
				fmt.Printf("%s\t%s\n", r.Name, r.AppliedAt.Format(time.RFC3339))
			}
		}
	case "bootstrap-admin":
		err = bootstrapAdmin(ctx, store, *email, *password)
	case "purge-tokens":
		var n int64
		n, err = store.RefreshTokens(auth.DefaultRefreshConfig()).PurgeExpired(ctx, *retain)
		if err == nil {
			fmt.Printf("purged %d refresh tokens\n", n)
		}
	default:
		log.Fatalf("unknown command %q\n%s", flag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func bootstrapAdmin(ctx context.Context, store *pg.Store, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}
	admin, err := auth.NewAdminService(store, store.RefreshTokens(auth.DefaultRefreshConfig()))
	if err != nil {
		return err
	}
	if err := admin.EnsureBuiltins(ctx); err != nil {
		return err
	}
	u, created, err := admin.BootstrapSuperadmin(ctx, email, password)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("created superadmin %s (%s)\n", u.Email, u.ID)
	} else {
		fmt.Printf("user %s already exists (%s)\n", u.Email, u.ID)
	}
	return nil
}
