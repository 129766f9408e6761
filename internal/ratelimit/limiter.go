// Package ratelimit implements a per-user fixed-window request counter on
// the shared key/value store. It fails open: when the store is unreachable
// the chat path stays available and the degradation is logged, the opposite
// of the validator's fail-closed policy.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/observability"
)

const keyPrefix = "rate_limit:"

const window = time.Minute

type Limiter struct {
	store  kvstore.Store
	limit  int
	logger *slog.Logger
}

type Status struct {
	UserID    string `json:"user_id"`
	Count     int64  `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int64  `json:"remaining"`
}

func New(store kvstore.Store, limit int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, limit: limit, logger: logger}
}

// Allow increments the user's counter for the current window and reports
// whether the request may proceed.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	count, err := l.store.Increment(ctx, keyPrefix+userID, window)
	if err != nil {
		observability.IncCacheDegraded("rate_limit")
		l.logger.WarnContext(ctx, "rate limiter degraded, allowing request",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return true
	}
	if count > int64(l.limit) {
		observability.IncRateLimited()
		l.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("user_id", userID),
			slog.Int64("count", count),
			slog.Int("limit", l.limit),
		)
		return false
	}
	return true
}

// CurrentStatus reads the counter without incrementing it.
func (l *Limiter) CurrentStatus(ctx context.Context, userID string) Status {
	status := Status{UserID: userID, Limit: l.limit, Remaining: int64(l.limit)}
	value, found, err := l.store.Get(ctx, keyPrefix+userID)
	if err != nil || !found {
		return status
	}
	count, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return status
	}
	status.Count = count
	status.Remaining = int64(l.limit) - count
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	return status
}
