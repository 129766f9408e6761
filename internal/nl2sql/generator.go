package nl2sql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/observability"
)

const cacheKeyPrefix = "sql_gen:"

// Generator orchestrates SQL generation: fingerprint cache in front, one
// model call on a miss, conversation history folded into the prompt. A dead
// cache degrades to calling the model every time; it never blocks the path.
type Generator struct {
	translator    Translator
	store         kvstore.Store
	conversations *conversation.Manager
	cacheTTL      time.Duration
	logger        *slog.Logger
}

func NewGenerator(translator Translator, store kvstore.Store, conversations *conversation.Manager, cacheTTL time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		translator:    translator,
		store:         store,
		conversations: conversations,
		cacheTTL:      cacheTTL,
		logger:        logger,
	}
}

// Generated carries the SQL plus where it came from.
type Generated struct {
	SQL       string `json:"sql"`
	Model     string `json:"model,omitempty"`
	FromCache bool   `json:"from_cache"`
}

// Generate returns SQL for the question. The cache key is a fingerprint of
// the normalized question and the schema snapshot, so a schema refresh
// naturally invalidates stale entries.
func (g *Generator) Generate(ctx context.Context, question, schemaPrompt, conversationID string) (Generated, error) {
	fp := Fingerprint(question, schemaPrompt)
	key := cacheKeyPrefix + fp

	if cached, found := g.cacheGet(ctx, key); found {
		observability.ObserveGenerationCache(true)
		g.logger.DebugContext(ctx, "generation cache hit", slog.String("fingerprint", fp))
		g.recordTurns(ctx, conversationID, question, cached)
		return Generated{SQL: cached, FromCache: true}, nil
	}
	observability.ObserveGenerationCache(false)

	req := Request{
		Question:     question,
		SchemaPrompt: schemaPrompt,
		History:      g.history(ctx, conversationID),
	}
	result, err := g.translator.Translate(ctx, req)
	observability.ObserveCompletionRequest(err)
	if err != nil {
		return Generated{}, fmt.Errorf("generate SQL: %w", err)
	}

	g.cacheSet(ctx, key, result.SQL)
	g.recordTurns(ctx, conversationID, question, result.SQL)
	return Generated{SQL: result.SQL, Model: result.Model}, nil
}

// Fingerprint hashes the normalized question together with the schema
// context. Case and surrounding whitespace do not affect the key.
func Fingerprint(question, schemaPrompt string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	sum := sha256.Sum256([]byte(normalized + "\x00" + schemaPrompt))
	return hex.EncodeToString(sum[:])
}

func (g *Generator) history(ctx context.Context, conversationID string) []Message {
	turns := g.conversations.History(ctx, conversationID)
	if len(turns) == 0 {
		return nil
	}
	history := make([]Message, len(turns))
	for i, turn := range turns {
		history[i] = Message{Role: turn.Role, Content: turn.Content}
	}
	return history
}

func (g *Generator) recordTurns(ctx context.Context, conversationID, question, sql string) {
	g.conversations.Append(ctx, conversationID,
		conversation.Turn{Role: conversation.RoleUser, Content: question},
		conversation.Turn{Role: conversation.RoleAssistant, Content: sql},
	)
}

func (g *Generator) cacheGet(ctx context.Context, key string) (string, bool) {
	value, found, err := g.store.Get(ctx, key)
	if err != nil {
		observability.IncCacheDegraded("generation_get")
		g.logger.WarnContext(ctx, "generation cache read degraded", slog.Any("error", err))
		return "", false
	}
	return value, found
}

func (g *Generator) cacheSet(ctx context.Context, key, sql string) {
	if err := g.store.Set(ctx, key, sql, g.cacheTTL); err != nil {
		observability.IncCacheDegraded("generation_set")
		g.logger.WarnContext(ctx, "generation cache write degraded", slog.Any("error", err))
	}
}
