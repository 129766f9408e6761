package gateway

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 5*time.Minute, nil), mock
}

func TestExecuteAppendsLimitWhenAbsent(t *testing.T) {
	engine, mock := newEngine(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM bi_reports.projects LIMIT 100")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alpha").AddRow([]byte("beta")))

	result := engine.Execute(context.Background(), "SELECT name FROM bi_reports.projects;", 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if result.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", result.RowCount)
	}
	if result.Rows[1]["name"] != "beta" {
		t.Fatalf("byte value not normalized to string: %#v", result.Rows[1]["name"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteWrapsOversizedLimit(t *testing.T) {
	engine, mock := newEngine(t)

	wrapped := "SELECT * FROM (SELECT id FROM bi_reports.leads LIMIT 99999) AS q LIMIT 100"
	mock.ExpectQuery(regexp.QuoteMeta(wrapped)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads LIMIT 99999", 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteKeepsCompliantLimit(t *testing.T) {
	engine, mock := newEngine(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM bi_reports.leads LIMIT 10")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads LIMIT 10", 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteKeepsCompliantLimitWithOffset(t *testing.T) {
	engine, mock := newEngine(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM bi_reports.leads LIMIT 5 OFFSET 10")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads LIMIT 5 OFFSET 10", 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteWrapsOversizedLimitWithOffset(t *testing.T) {
	engine, mock := newEngine(t)

	wrapped := "SELECT * FROM (SELECT id FROM bi_reports.leads LIMIT 99999 OFFSET 10) AS q LIMIT 100"
	mock.ExpectQuery(regexp.QuoteMeta(wrapped)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads LIMIT 99999 OFFSET 10", 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteWrapsWhenLimitIsNotTrailing(t *testing.T) {
	engine, mock := newEngine(t)

	inner := "SELECT * FROM (SELECT id FROM bi_reports.leads LIMIT 5) AS t WHERE id > 1"
	wrapped := "SELECT * FROM (" + inner + ") AS q LIMIT 100"
	mock.ExpectQuery(regexp.QuoteMeta(wrapped)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	result := engine.Execute(context.Background(), inner, 100)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteStopsScanningAtRowCap(t *testing.T) {
	engine, mock := newEngine(t)

	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < 5; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM bi_reports.leads LIMIT 3")).
		WillReturnRows(rows)

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads LIMIT 3", 3)
	if !result.Success {
		t.Fatalf("Execute failed: %+v", result)
	}
	if result.RowCount != 3 {
		t.Fatalf("RowCount = %d, want 3", result.RowCount)
	}
}

func TestExecuteZeroRowsIsSuccess(t *testing.T) {
	engine, mock := newEngine(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM bi_reports.leads LIMIT 100")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads", 100)
	if !result.Success {
		t.Fatalf("zero-row query reported failure: %+v", result)
	}
	if result.RowCount != 0 {
		t.Fatalf("RowCount = %d, want 0", result.RowCount)
	}
	if result.ErrorReason != "" {
		t.Fatalf("ErrorReason = %q, want empty", result.ErrorReason)
	}
}

func TestExecuteSanitizesDatabaseErrors(t *testing.T) {
	engine, mock := newEngine(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nope FROM bi_reports.leads LIMIT 100")).
		WillReturnError(errors.New(`pq: column "nope" does not exist at character 8 in relation "leads"`))

	result := engine.Execute(context.Background(), "SELECT nope FROM bi_reports.leads", 100)
	if result.Success {
		t.Fatal("failing query reported success")
	}
	if strings.Contains(result.ErrorReason, "nope") || strings.Contains(result.ErrorReason, "relation") {
		t.Fatalf("raw database error leaked to client: %q", result.ErrorReason)
	}
}

func TestExecuteReportsTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	engine := New(db, 10*time.Millisecond, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM bi_reports.leads LIMIT 100")).
		WillDelayFor(50 * time.Millisecond).
		WillReturnError(context.DeadlineExceeded)

	result := engine.Execute(context.Background(), "SELECT id FROM bi_reports.leads", 100)
	if result.Success {
		t.Fatal("timed-out query reported success")
	}
	if !strings.Contains(result.ErrorReason, "timed out") {
		t.Fatalf("ErrorReason = %q, want timeout message", result.ErrorReason)
	}
}
