// Package chat orchestrates one question end to end: rate limit, SQL
// generation, validation, execution, result caching, and audit. Validation
// rejections and execution failures come back inside the Response; only
// rate limiting surfaces as an error so the API can answer 429.
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/sqlguard"
)

var ErrRateLimited = errors.New("rate limit exceeded")

const resultKeyPrefix = "query_result:"

const auditTimeout = 5 * time.Second

type Generator interface {
	Generate(ctx context.Context, question, schemaPrompt, conversationID string) (nl2sql.Generated, error)
}

type Executor interface {
	Execute(ctx context.Context, sqlText string, rowCap int) gateway.Result
}

type Limiter interface {
	Allow(ctx context.Context, userID string) bool
}

type CatalogProvider interface {
	Current() *schema.Catalog
}

type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

type Request struct {
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Response struct {
	ConversationID string           `json:"conversation_id"`
	Message        string           `json:"message"`
	SQL            string           `json:"sql,omitempty"`
	Success        bool             `json:"success"`
	Columns        []string         `json:"columns,omitempty"`
	Rows           []map[string]any `json:"rows,omitempty"`
	RowCount       int              `json:"row_count"`
	Truncated      bool             `json:"truncated,omitempty"`
	FromCache      bool             `json:"from_cache"`
	Warnings       []string         `json:"warnings,omitempty"`
	Error          string           `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

type Config struct {
	MaxResultRows int
	ResultTTL     time.Duration
}

type Service struct {
	generator Generator
	executor  Executor
	limiter   Limiter
	catalogs  CatalogProvider
	store     kvstore.Store
	auditor   Auditor
	cfg       Config
	logger    *slog.Logger
}

func NewService(generator Generator, executor Executor, limiter Limiter, catalogs CatalogProvider, store kvstore.Store, auditor Auditor, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		generator: generator,
		executor:  executor,
		limiter:   limiter,
		catalogs:  catalogs,
		store:     store,
		auditor:   auditor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ask answers one natural-language question. The returned error is non-nil
// only for ErrRateLimited and internal preconditions; everything the user
// can act on rides inside the Response.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	if !s.limiter.Allow(ctx, req.UserID) {
		return Response{}, ErrRateLimited
	}

	catalog := s.catalogs.Current()
	if catalog == nil {
		return Response{}, fmt.Errorf("schema catalog not loaded yet")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	resp := Response{ConversationID: conversationID, Timestamp: time.Now().UTC()}

	generated, err := s.generator.Generate(ctx, req.Message, catalog.RenderPrompt(), conversationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "sql generation failed",
			slog.String("user_id", req.UserID),
			slog.Any("error", err),
		)
		resp.Message = "I could not generate a query for that question. Try rephrasing it."
		resp.Error = "sql generation failed"
		return resp, nil
	}
	resp.SQL = generated.SQL

	guard := sqlguard.New(catalog, s.cfg.MaxResultRows)
	verdict := guard.Validate(generated.SQL)
	if !verdict.Valid {
		observability.IncValidationRejected(verdict.Stage)
		s.logger.WarnContext(ctx, "generated sql rejected",
			slog.String("user_id", req.UserID),
			slog.String("stage", verdict.Stage),
			slog.String("reason", verdict.Reason),
			slog.String("sql", generated.SQL),
		)
		resp.Message = "The generated query was blocked: " + verdict.Reason
		resp.Error = verdict.Reason
		s.auditAsync(audit.Entry{UserID: req.UserID, Question: req.Message, SQL: generated.SQL})
		return resp, nil
	}
	resp.Warnings = verdict.Warnings

	if cached, ok := s.cachedResult(ctx, generated.SQL); ok {
		observability.ObserveResultCache(true)
		resp.Success = cached.Success
		resp.Columns = cached.Columns
		resp.Rows = cached.Rows
		resp.RowCount = cached.RowCount
		resp.Truncated = cached.Truncated
		resp.FromCache = true
		resp.Message = summarize(req.Message, cached)
		s.auditAsync(audit.Entry{UserID: req.UserID, Question: req.Message, SQL: generated.SQL, RowCount: cached.RowCount, Success: cached.Success})
		return resp, nil
	}
	observability.ObserveResultCache(false)

	result := s.executor.Execute(ctx, generated.SQL, s.cfg.MaxResultRows)
	resp.Success = result.Success
	resp.Columns = result.Columns
	resp.Rows = result.Rows
	resp.RowCount = result.RowCount
	resp.Truncated = result.Truncated
	if result.Success {
		resp.Message = summarize(req.Message, result)
		s.cacheResult(ctx, generated.SQL, result)
	} else {
		resp.Message = "The query could not be executed: " + result.ErrorReason
		resp.Error = result.ErrorReason
	}

	s.auditAsync(audit.Entry{UserID: req.UserID, Question: req.Message, SQL: generated.SQL, RowCount: result.RowCount, Success: result.Success})
	return resp, nil
}

// auditAsync records in the background with a detached context so a slow
// audit database never delays the response.
func (s *Service) auditAsync(entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		s.auditor.Record(ctx, entry)
	}()
}

// resultCacheKey hashes the SQL exactly as generated. No case folding:
// statements differing only inside string literals select different rows and
// must never share a cache entry.
func resultCacheKey(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return resultKeyPrefix + hex.EncodeToString(sum[:])
}

func (s *Service) cachedResult(ctx context.Context, sqlText string) (gateway.Result, bool) {
	value, found, err := s.store.Get(ctx, resultCacheKey(sqlText))
	if err != nil {
		observability.IncCacheDegraded("result_get")
		s.logger.WarnContext(ctx, "result cache read degraded", slog.Any("error", err))
		return gateway.Result{}, false
	}
	if !found {
		return gateway.Result{}, false
	}
	var result gateway.Result
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		s.logger.WarnContext(ctx, "result cache entry corrupt, discarding", slog.Any("error", err))
		return gateway.Result{}, false
	}
	return result, true
}

func (s *Service) cacheResult(ctx context.Context, sqlText string, result gateway.Result) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, resultCacheKey(sqlText), string(encoded), s.cfg.ResultTTL); err != nil {
		observability.IncCacheDegraded("result_set")
		s.logger.WarnContext(ctx, "result cache write degraded", slog.Any("error", err))
	}
}

// summarize produces the one-line natural-language answer that precedes the
// tabular data.
func summarize(question string, result gateway.Result) string {
	if result.RowCount == 0 {
		return "The query ran successfully but returned no matching rows."
	}

	lowered := strings.ToLower(question)
	if result.RowCount == 1 && len(result.Columns) == 1 && (strings.Contains(lowered, "how many") || strings.Contains(lowered, "count")) {
		value := result.Rows[0][result.Columns[0]]
		return fmt.Sprintf("The answer is %v.", value)
	}
	if result.Truncated {
		return fmt.Sprintf("Found %d rows (truncated to the row cap).", result.RowCount)
	}
	if result.RowCount == 1 {
		return "Found 1 matching row."
	}
	return fmt.Sprintf("Found %d matching rows.", result.RowCount)
}
