// Package conversation keeps a bounded, TTL'd message-history buffer per
// conversation id in the shared key/value store. The store's expiry discards
// idle conversations; nothing here deletes explicitly.
package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/observability"
)

const keyPrefix = "conversation:"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Manager struct {
	store    kvstore.Store
	ttl      time.Duration
	maxTurns int
	logger   *slog.Logger
}

func NewManager(store kvstore.Store, ttl time.Duration, maxTurns int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, maxTurns: maxTurns, logger: logger}
}

// Append adds turns to the conversation, evicts the oldest turns past the
// cap, and renews the TTL. Store failures degrade to a no-op.
func (m *Manager) Append(ctx context.Context, conversationID string, turns ...Turn) {
	if conversationID == "" || len(turns) == 0 {
		return
	}

	history := m.History(ctx, conversationID)
	history = append(history, turns...)
	if len(history) > m.maxTurns {
		history = history[len(history)-m.maxTurns:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		m.logger.WarnContext(ctx, "conversation encode failed", slog.Any("error", err))
		return
	}
	if err := m.store.Set(ctx, keyPrefix+conversationID, string(encoded), m.ttl); err != nil {
		observability.IncCacheDegraded("conversation_set")
		m.logger.WarnContext(ctx, "conversation save degraded",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
	}
}

// History returns the stored turns, oldest first. Store failures and corrupt
// entries degrade to an empty history.
func (m *Manager) History(ctx context.Context, conversationID string) []Turn {
	if conversationID == "" {
		return nil
	}

	value, found, err := m.store.Get(ctx, keyPrefix+conversationID)
	if err != nil {
		observability.IncCacheDegraded("conversation_get")
		m.logger.WarnContext(ctx, "conversation load degraded",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
		return nil
	}
	if !found {
		return nil
	}

	var history []Turn
	if err := json.Unmarshal([]byte(value), &history); err != nil {
		m.logger.WarnContext(ctx, "conversation entry corrupt, discarding",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
		return nil
	}
	return history
}
