package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRecorder(db, nil), mock
}

func TestRecordInsertsEntry(t *testing.T) {
	recorder, mock := newRecorder(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO askdb_query_audit")).
		WithArgs("42", "How many projects?", "SELECT count(*) FROM bi_reports.projects", 1, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorder.Record(context.Background(), Entry{
		UserID:   "42",
		Question: "How many projects?",
		SQL:      "SELECT count(*) FROM bi_reports.projects",
		RowCount: 1,
		Success:  true,
	})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	recorder, mock := newRecorder(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO askdb_query_audit")).
		WillReturnError(errors.New("connection refused"))

	// Must not panic or surface the error.
	recorder.Record(context.Background(), Entry{UserID: "42", Question: "q", SQL: "SELECT 1"})
}

func TestListRecent(t *testing.T) {
	recorder, mock := newRecorder(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM askdb_query_audit")).
		WithArgs("42", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "question", "sql_text", "row_count", "success", "created_at"}).
			AddRow(int64(2), "42", "second", "SELECT 2", 3, true, now).
			AddRow(int64(1), "42", "first", "SELECT 1", 0, false, now.Add(-time.Minute)))

	entries, err := recorder.ListRecent(context.Background(), "42", 20)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(entries) != 2 || entries[0].Question != "second" || entries[1].Success {
		t.Fatalf("entries = %+v", entries)
	}
}
