// Package audit persists a trail of every answered question: who asked,
// what SQL ran, and how it went. Recording is best-effort and never blocks
// or fails the chat path.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"database/sql"
)

type Entry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql"`
	RowCount  int       `json:"row_count"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Record writes one audit row. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO askdb_query_audit (user_id, question, sql_text, row_count, success)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.UserID, entry.Question, entry.SQL, entry.RowCount, entry.Success,
	)
	if err != nil {
		r.logger.WarnContext(ctx, "audit record failed",
			slog.String("user_id", entry.UserID),
			slog.Any("error", err),
		)
	}
}

// ListRecent returns the user's newest entries, newest first.
func (r *Recorder) ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, question, sql_text, row_count, success, created_at
		 FROM askdb_query_audit
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Question, &entry.SQL, &entry.RowCount, &entry.Success, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
