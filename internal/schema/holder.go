package schema

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Holder publishes the current catalog snapshot. Refresh loads a new catalog
// and swaps the pointer; a failed refresh keeps the previous snapshot live.
type Holder struct {
	loader  *Loader
	current atomic.Pointer[Catalog]
	logger  *slog.Logger
}

func NewHolder(loader *Loader, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{loader: loader, logger: logger}
}

// Refresh loads a fresh snapshot and makes it current.
func (h *Holder) Refresh(ctx context.Context) error {
	catalog, err := h.loader.Load(ctx)
	if err != nil {
		return err
	}
	h.current.Store(catalog)
	h.logger.InfoContext(ctx, "schema catalog refreshed",
		slog.Int("tables", len(catalog.AllowedTables())),
		slog.Time("loaded_at", catalog.LoadedAt),
	)
	return nil
}

// Current returns the live snapshot, or nil before the first Refresh.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// RunPeriodicRefresh refreshes at the given interval until ctx is cancelled.
// Failures are logged; the stale snapshot stays in service.
func (h *Holder) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Refresh(ctx); err != nil {
				h.logger.WarnContext(ctx, "schema catalog refresh failed, keeping previous snapshot",
					slog.Any("error", err),
				)
			}
		}
	}
}
