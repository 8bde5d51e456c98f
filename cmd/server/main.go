package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"ssobroker/internal/api"
	"ssobroker/internal/config"
	"ssobroker/internal/db"
	"ssobroker/internal/directory"
	"ssobroker/internal/identity"
	"ssobroker/internal/notify"
	"ssobroker/internal/session"
	"ssobroker/internal/store"
	"ssobroker/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb)
	if cfg.BootstrapAdminRoll != "" && cfg.BootstrapAdminPassword != "" {
		hash, err := identity.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalf("bootstrap admin hash: %v", err)
		}
		if err := st.EnsureAdmin(context.Background(), cfg.BootstrapAdminRoll, hash); err != nil {
			log.Fatalf("bootstrap admin create: %v", err)
		}
	}

	creds, err := identity.NewCredentialVerifier(cfg)
	if err != nil {
		log.Fatalf("credential backend: %v", err)
	}
	ids := identity.New(st, creds, cfg.PasswordMinLength)

	gen := token.NewGenerator(st, cfg.TokenMaxAttempts, cfg.TokenRetryBackoff)
	sessions := session.NewRegistry(st, gen, cfg.LoginWindow())
	projects := directory.New(st, cfg.ProjectMaxActiveLogins)
	notifier := notify.NewNotifier(notify.NewSender(cfg), cfg.BaseURL, cfg.EmailDomain)

	r := api.NewRouter(cfg, st, ids, sessions, projects, notifier)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
