// Package api wires the HTTP surface: health and metrics are public, auth
// endpoints issue tokens, and everything else sits behind the bearer-token
// middleware.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/ratelimit"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/userstore"
)

type ReadinessCheck func(ctx context.Context) error

type ChatService interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
}

type HistoryLister interface {
	ListRecent(ctx context.Context, userID string, limit int) ([]audit.Entry, error)
}

type UserRegistry interface {
	Create(ctx context.Context, email, password string) (userstore.User, error)
	Authenticate(ctx context.Context, email, password string) (userstore.User, error)
}

type Executor interface {
	Execute(ctx context.Context, sqlText string, rowCap int) gateway.Result
}

type Exporter interface {
	Export(ctx context.Context, result gateway.Result, format string) (export.Artifact, error)
}

type CatalogProvider interface {
	Current() *schema.Catalog
}

type LimitReporter interface {
	CurrentStatus(ctx context.Context, userID string) ratelimit.Status
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	AuthMiddleware    func(http.Handler) http.Handler
	TokenIssuer       *auth.TokenIssuer
	Users             UserRegistry
	Chat              ChatService
	History           HistoryLister
	Catalogs          CatalogProvider
	Executor          Executor
	Exporter          Exporter
	Limits            LimitReporter
	StorePing         ReadinessCheck
	WarehousePing     ReadinessCheck
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.HandleFunc("GET /v1/health/detailed", func(w http.ResponseWriter, r *http.Request) {
		handleDetailedHealth(cfg, deps, w, r)
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		handleLogin(deps, w, r)
	})
	mux.HandleFunc("POST /v1/users", func(w http.ResponseWriter, r *http.Request) {
		handleRegister(deps, w, r)
	})

	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		handleMe(deps, w, r)
	})
	protected.HandleFunc("POST /v1/chat/query", func(w http.ResponseWriter, r *http.Request) {
		handleChatQuery(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/history", func(w http.ResponseWriter, r *http.Request) {
		handleChatHistory(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchemaOverview(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema/{schema}/{table}", func(w http.ResponseWriter, r *http.Request) {
		handleSchemaTable(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema/{schema}/{table}/sample", func(w http.ResponseWriter, r *http.Request) {
		handleSchemaSample(cfg, deps, w, r)
	})
	protected.HandleFunc("GET /v1/export/formats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"formats": export.Formats()})
	})
	protected.HandleFunc("POST /v1/export/{format}", func(w http.ResponseWriter, r *http.Request) {
		handleExport(cfg, deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if deps.AuthMiddleware != nil {
		protectedHandler = deps.AuthMiddleware(protected)
	}
	mux.Handle("GET /v1/auth/me", protectedHandler)
	mux.Handle("POST /v1/chat/query", protectedHandler)
	mux.Handle("GET /v1/chat/history", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("GET /v1/schema/{schema}/{table}", protectedHandler)
	mux.Handle("GET /v1/schema/{schema}/{table}/sample", protectedHandler)
	mux.Handle("GET /v1/export/formats", protectedHandler)
	mux.Handle("POST /v1/export/{format}", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func handleDetailedHealth(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	timeout := deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	components := map[string]any{}
	healthy := true

	check := func(name string, fn ReadinessCheck) {
		if fn == nil {
			components[name] = map[string]any{"status": "unknown"}
			return
		}
		if err := fn(ctx); err != nil {
			healthy = false
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("store", deps.StorePing)
	check("warehouse", deps.WarehousePing)

	catalogStatus := map[string]any{"status": "down"}
	if deps.Catalogs != nil {
		if catalog := deps.Catalogs.Current(); catalog != nil {
			catalogStatus = map[string]any{
				"status":    "up",
				"loaded_at": catalog.LoadedAt,
				"tables":    len(catalog.AllowedTables()),
			}
		} else {
			healthy = false
		}
	}
	components["schema_catalog"] = catalogStatus
	components["export"] = map[string]any{"enabled": cfg.Export.Enabled}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"service":    cfg.Service.Name,
		"components": components,
	})
}

// CheckDB pings a database pool.
func CheckDB(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("database is not configured")
		}
		return ping(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
