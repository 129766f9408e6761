package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
)

const maxQuestionLength = 2000

const defaultHistoryLimit = 20

type chatQueryRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func handleChatQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "identity missing", false, nil)
		return
	}

	var req chatQueryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", false, nil)
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "message is required", false, nil)
		return
	}
	if len(message) > maxQuestionLength {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "message is too long", false, nil)
		return
	}

	resp, err := deps.Chat.Ask(r.Context(), chat.Request{
		UserID:         identity.UserID,
		Message:        message,
		ConversationID: req.ConversationID,
	})
	if errors.Is(err, chat.ErrRateLimited) {
		extra := map[string]any{}
		if deps.Limits != nil {
			status := deps.Limits.CurrentStatus(r.Context(), identity.UserID)
			extra["limit"] = status.Limit
			extra["remaining"] = status.Remaining
		}
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, try again shortly", true, extra)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "chat service is not ready", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleChatHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "identity missing", false, nil)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", false, nil)
			return
		}
		limit = parsed
	}

	entries, err := deps.History.ListRecent(r.Context(), identity.UserID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FAILED", "could not load query history", true, nil)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
