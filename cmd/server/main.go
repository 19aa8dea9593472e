package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"partyrsvp/internal/app"
	"partyrsvp/internal/config"
	"partyrsvp/internal/server"
	"partyrsvp/internal/util"
	"partyrsvp/internal/visitor"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	pollInterval, err := config.ParseDuration("prefsPollInterval", cfg.PrefsPollInterval)
	if err != nil {
		log.Fatalf("failed to parse prefs poll interval: %v", err)
	}
	idleTTL, err := config.ParseDuration("resolverIdleTTL", cfg.ResolverIdleTTL)
	if err != nil {
		log.Fatalf("failed to parse resolver idle TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, app.Config{
		StoreBackend:      cfg.StoreBackend,
		PrefsBackend:      cfg.PrefsBackend,
		DatabaseURL:       cfg.DatabaseURL,
		SQLitePath:        cfg.SQLitePath,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisPrefix:       cfg.RedisPrefix,
		EmailIndex:        cfg.EmailIndexEnabled(),
		PrefPrefix:        cfg.PrefPrefix,
		GuestCode:         cfg.GuestCode,
		AdminCode:         cfg.AdminCode,
		OfferLookup:       cfg.OfferLookup,
		PrefsPollInterval: pollInterval,
		ResolverIdleTTL:   idleTTL,
		Party:             cfg.Party,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	signer, err := visitor.NewSigner(visitor.Config{
		Secret:       cfg.VisitorSecret,
		SecureCookie: cfg.VisitorCookieSecure,
	})
	if err != nil {
		log.Fatalf("failed to init visitor signer: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		Visitors:                    signer,
		CORSOrigins:                 cfg.CORSOrigins,
		TrustedProxyCIDRs:           cfg.TrustedProxyCIDRs,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		RedisPrefix:                 cfg.RedisPrefix,
		GuestbookRateLimitPerMinute: cfg.GuestbookRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "store", cfg.StoreBackend, "prefs", cfg.PrefsBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return appCore.Resolvers().Run(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
