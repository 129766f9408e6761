package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/ratelimit"
	"github.com/askdb/askdb/internal/schema"
	s3store "github.com/askdb/askdb/internal/storage/s3"
	"github.com/askdb/askdb/internal/userstore"
)

func main() {
	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeDB, err := openDB(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, cfg.Store.ConnMaxIdleTime, cfg.Store.ConnMaxLifetime)
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = storeDB.Close() }()

	warehouseDB, err := openDB(cfg.Warehouse.DSN, cfg.Warehouse.MaxOpenConns, cfg.Warehouse.MaxIdleConns, cfg.Warehouse.ConnMaxIdleTime, cfg.Warehouse.ConnMaxLifetime)
	if err != nil {
		logger.Error("failed to open warehouse db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = warehouseDB.Close() }()

	store := kvstore.NewPostgres(storeDB)
	limiter := ratelimit.New(store, cfg.Limits.RateLimitPerMinute, logger)
	conversations := conversation.NewManager(store, cfg.Cache.ConversationTTL, cfg.Cache.ConversationMaxTurns, logger)

	loader := schema.NewLoader(warehouseDB, cfg.Schema.AllowedSchemas).
		WithReadonlyTables(cfg.Schema.ReadonlyTables)
	catalogs := schema.NewHolder(loader, logger)
	if err := catalogs.Refresh(ctx); err != nil {
		logger.Error("failed to load schema catalog", slog.Any("error", err))
		os.Exit(1)
	}
	go catalogs.RunPeriodicRefresh(ctx, cfg.Schema.RefreshInterval)
	go runStoreCleanup(ctx, store, cfg.Store.CleanupInterval, logger)

	translator, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize translator", slog.Any("error", err))
		os.Exit(1)
	}

	generator := nl2sql.NewGenerator(translator, store, conversations, cfg.Cache.GenerationTTL, logger)
	executor := gateway.New(warehouseDB, cfg.Limits.MaxQueryExecutionTime, logger)
	recorder := audit.NewRecorder(storeDB, logger)
	chatService := chat.NewService(generator, executor, limiter, catalogs, store, recorder,
		chat.Config{MaxResultRows: cfg.Limits.MaxResultRows, ResultTTL: cfg.Cache.ResultTTL}, logger)

	users := userstore.New(storeDB)
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		logger.Error("failed to initialize token issuer", slog.Any("error", err))
		os.Exit(1)
	}

	var exporter api.Exporter
	if cfg.Export.Enabled {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Export.Endpoint,
			Region:           cfg.Export.Region,
			Bucket:           cfg.Export.Bucket,
			AccessKeyID:      cfg.Export.AccessKeyID,
			SecretAccessKey:  cfg.Export.SecretAccessKey,
			UseSSL:           cfg.Export.UseSSL,
			Prefix:           cfg.Export.Prefix,
			AutoCreateBucket: cfg.Export.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize export storage", slog.Any("error", err))
			os.Exit(1)
		}
		exporter = export.NewService(objectStore, cfg.Export.URLExpiry, logger)
	}

	deps := api.Dependencies{
		Logger:         logger,
		AuthMiddleware: auth.Middleware(logger, issuer),
		TokenIssuer:    issuer,
		Users:          users,
		Chat:           chatService,
		History:        recorder,
		Catalogs:       catalogs,
		Executor:       executor,
		Exporter:       exporter,
		Limits:         limiter,
		StorePing:      api.CheckDB(storeDB.PingContext),
		WarehousePing:  api.CheckDB(warehouseDB.PingContext),
		Readiness: api.CombineReadinessChecks(
			api.CheckDB(storeDB.PingContext),
			api.CheckDB(warehouseDB.PingContext),
		),
		DependencyTimeout: time.Second,
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}
	logger.Info("api server stopped")
}

func openDB(dsn string, maxOpen, maxIdle int, maxIdleTime, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(maxIdleTime)
	db.SetConnMaxLifetime(maxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func runStoreCleanup(ctx context.Context, store *kvstore.Postgres, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Cleanup(ctx)
			if err != nil {
				logger.WarnContext(ctx, "kv cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.DebugContext(ctx, "kv cleanup removed expired entries", slog.Int64("removed", removed))
			}
		}
	}
}
