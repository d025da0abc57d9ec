package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/app"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/config"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/export"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/lease"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/search"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

func main() {
	cfg := config.Load()
	logger := util.NewLogger(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)
	opts := app.Options{}

	// Without Redis the sweep lease only coordinates this process.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLease, err := lease.NewRedisLease(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisLease.Close()
		opts.Lease = redisLease
		logger.Info("using redis for the abandonment sweep lease", "holder", redisLease.Holder())
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	opts.Search = search.NewService(meiliClient, search.NewPgFTS(db), logger)

	if strings.TrimSpace(cfg.ExportS3Endpoint) != "" {
		archive, err := export.NewS3Archive(ctx, cfg.ExportS3Endpoint, cfg.ExportS3AccessKey, cfg.ExportS3SecretKey, cfg.ExportS3Bucket, cfg.ExportS3UseSSL)
		if err != nil {
			logger.Error("export archive unavailable", "endpoint", cfg.ExportS3Endpoint, "error", err)
			os.Exit(1)
		}
		opts.Archiver = archive
	}

	service := app.New(cfg, dataStore, logger, opts)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, will retry on next restart", "error", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go opts.Search.ReindexAllFromPG(runCtx)
	go service.RunSweeper(runCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("study API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
