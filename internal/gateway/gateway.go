// Package gateway executes validated SQL against the read-only warehouse
// pool and shapes results for clients. It enforces the row cap and the
// execution timeout regardless of what the statement asks for, and it never
// leaks raw database errors to callers.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/observability"
)

var (
	limitClausePattern  = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)(?:\s+OFFSET\s+\d+)?\s*$`)
	limitKeywordPattern = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

type Engine struct {
	db          *sql.DB
	execTimeout time.Duration
	logger      *slog.Logger
}

// Result is the client-facing execution outcome. A query that runs cleanly
// and returns zero rows is a success with RowCount 0, not a failure.
type Result struct {
	Success     bool             `json:"success"`
	Columns     []string         `json:"columns,omitempty"`
	Rows        []map[string]any `json:"rows,omitempty"`
	RowCount    int              `json:"row_count"`
	Truncated   bool             `json:"truncated,omitempty"`
	ElapsedMS   int64            `json:"elapsed_ms"`
	ErrorReason string           `json:"error,omitempty"`
}

func New(db *sql.DB, execTimeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, execTimeout: execTimeout, logger: logger}
}

// Execute runs sqlText with the row cap applied. The statement is rewritten
// so the database never streams more than rowCap rows, and scanning stops at
// the cap even if the rewrite is defeated.
func (e *Engine) Execute(ctx context.Context, sqlText string, rowCap int) Result {
	started := time.Now()
	capped := applyRowCap(sqlText, rowCap)

	ctx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx, capped)
	if err != nil {
		return e.failure(ctx, sqlText, err, started)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return e.failure(ctx, sqlText, err, started)
	}

	var out []map[string]any
	truncated := false
	for rows.Next() {
		if len(out) >= rowCap {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return e.failure(ctx, sqlText, err, started)
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i])
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil && !truncated {
		return e.failure(ctx, sqlText, err, started)
	}

	elapsed := time.Since(started)
	observability.ObserveQueryExecution(elapsed, true)
	return Result{
		Success:   true,
		Columns:   columns,
		Rows:      out,
		RowCount:  len(out),
		Truncated: truncated,
		ElapsedMS: elapsed.Milliseconds(),
	}
}

// failure logs the raw error server-side and returns a sanitized reason.
func (e *Engine) failure(ctx context.Context, sqlText string, err error, started time.Time) Result {
	elapsed := time.Since(started)
	observability.ObserveQueryExecution(elapsed, false)
	e.logger.ErrorContext(ctx, "query execution failed",
		slog.String("sql", sqlText),
		slog.Duration("elapsed", elapsed),
		slog.Any("error", err),
	)

	reason := "query execution failed"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("query timed out after %s", e.execTimeout)
	}
	return Result{ErrorReason: reason, ElapsedMS: elapsed.Milliseconds()}
}

// applyRowCap appends a LIMIT when the statement has none and wraps the
// statement when its trailing LIMIT exceeds the cap. A trailing OFFSET rides
// along with the LIMIT it belongs to.
func applyRowCap(sqlText string, rowCap int) string {
	trimmed := strings.TrimSpace(sqlText)
	trimmed = strings.TrimRight(trimmed, ";")
	trimmed = strings.TrimSpace(trimmed)

	match := limitClausePattern.FindStringSubmatch(trimmed)
	if match == nil {
		// A LIMIT that is not the trailing clause (inside a subquery, or in
		// a shape the pattern does not cover) must not get a second one
		// appended after it; wrapping caps it safely either way.
		if limitKeywordPattern.MatchString(trimmed) {
			return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", trimmed, rowCap)
		}
		return fmt.Sprintf("%s LIMIT %d", trimmed, rowCap)
	}
	limit, err := strconv.Atoi(match[1])
	if err != nil || limit > rowCap {
		return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", trimmed, rowCap)
	}
	return trimmed
}

// normalizeValue makes driver values JSON-friendly. Byte slices become
// strings; everything else passes through.
func normalizeValue(v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
