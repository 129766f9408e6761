package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/kvstore"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/schema"
)

type fakeGenerator struct {
	calls int
	sql   string
	err   error
}

func (f *fakeGenerator) Generate(context.Context, string, string, string) (nl2sql.Generated, error) {
	f.calls++
	return nl2sql.Generated{SQL: f.sql}, f.err
}

type fakeExecutor struct {
	calls  int
	result gateway.Result
}

func (f *fakeExecutor) Execute(context.Context, string, int) gateway.Result {
	f.calls++
	return f.result
}

// sequenceGenerator hands out one statement per call.
type sequenceGenerator struct {
	sqls  []string
	calls int
}

func (f *sequenceGenerator) Generate(context.Context, string, string, string) (nl2sql.Generated, error) {
	sqlText := f.sqls[f.calls]
	f.calls++
	return nl2sql.Generated{SQL: sqlText}, nil
}

// echoExecutor returns a single row carrying the statement it was asked to
// run, so tests can tell which SQL produced a response.
type echoExecutor struct {
	calls int
}

func (f *echoExecutor) Execute(_ context.Context, sqlText string, _ int) gateway.Result {
	f.calls++
	return gateway.Result{
		Success:  true,
		Columns:  []string{"sql"},
		Rows:     []map[string]any{{"sql": sqlText}},
		RowCount: 1,
	}
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(context.Context, string) bool { return f.allow }

type fakeCatalogs struct{ catalog *schema.Catalog }

func (f fakeCatalogs) Current() *schema.Catalog { return f.catalog }

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(_ context.Context, entry audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingAuditor) waitFor(t *testing.T, n int) []audit.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		count := len(r.entries)
		entries := append([]audit.Entry(nil), r.entries...)
		r.mu.Unlock()
		if count >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("audit entries did not reach %d", n)
	return nil
}

func testCatalog() *schema.Catalog {
	schemas := map[string]schema.SchemaInfo{
		"bi_reports": {Tables: map[string]schema.TableInfo{
			"projects": {Description: "Project master data", Columns: map[string]string{"id": "bigint", "name": "text", "lead_count": "bigint"}},
		}},
	}
	return schema.NewCatalog(schemas, []string{"bi_reports.projects"}, time.Now())
}

func newService(generator Generator, executor Executor, limiter Limiter, auditor Auditor) *Service {
	return NewService(generator, executor, limiter, fakeCatalogs{testCatalog()}, kvstore.NewMemory(), auditor,
		Config{MaxResultRows: 100, ResultTTL: 30 * time.Minute}, nil)
}

func TestAskReturnsRateLimitedError(t *testing.T) {
	service := newService(&fakeGenerator{}, &fakeExecutor{}, fakeLimiter{allow: false}, nil)

	if _, err := service.Ask(context.Background(), Request{UserID: "42", Message: "hi"}); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestAskHappyPath(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT name, lead_count FROM bi_reports.projects ORDER BY lead_count DESC LIMIT 10"}
	executor := &fakeExecutor{result: gateway.Result{
		Success:  true,
		Columns:  []string{"name", "lead_count"},
		Rows:     []map[string]any{{"name": "alpha", "lead_count": 12}, {"name": "beta", "lead_count": 7}},
		RowCount: 2,
	}}
	auditor := &recordingAuditor{}
	service := newService(generator, executor, fakeLimiter{allow: true}, auditor)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "Show me top 10 projects by leads"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !resp.Success || resp.RowCount != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ConversationID == "" {
		t.Fatal("conversation id not minted")
	}
	if !strings.Contains(resp.Message, "2 matching rows") {
		t.Fatalf("message = %q", resp.Message)
	}

	entries := auditor.waitFor(t, 1)
	if entries[0].UserID != "42" || !entries[0].Success || entries[0].RowCount != 2 {
		t.Fatalf("audit entry = %+v", entries[0])
	}
}

func TestAskKeepsClientConversationID(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT name FROM bi_reports.projects LIMIT 10"}
	executor := &fakeExecutor{result: gateway.Result{Success: true, RowCount: 0}}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "projects?", ConversationID: "conv-7"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.ConversationID != "conv-7" {
		t.Fatalf("conversation id = %q", resp.ConversationID)
	}
}

func TestAskSurfacesValidationRejection(t *testing.T) {
	generator := &fakeGenerator{sql: "DROP TABLE bi_reports.projects"}
	executor := &fakeExecutor{}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "drop everything"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Success {
		t.Fatal("rejected query reported success")
	}
	if !strings.Contains(resp.Message, "DROP") {
		t.Fatalf("message = %q, want the denied keyword named", resp.Message)
	}
	if executor.calls != 0 {
		t.Fatal("rejected query reached the executor")
	}
	if !strings.Contains(resp.Error, "DROP") {
		t.Fatalf("error = %q, want the rejection reason", resp.Error)
	}
}

func TestAskSurfacesExecutionFailure(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT name FROM bi_reports.projects LIMIT 10"}
	executor := &fakeExecutor{result: gateway.Result{ErrorReason: "query timed out after 30s"}}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "projects?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Success {
		t.Fatal("failed execution reported success")
	}
	if resp.Error != "query timed out after 30s" {
		t.Fatalf("error = %q, want the execution reason", resp.Error)
	}
	if !strings.Contains(resp.Message, "could not be executed") {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestAskServesResultCacheOnRepeat(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT name FROM bi_reports.projects LIMIT 10"}
	executor := &fakeExecutor{result: gateway.Result{
		Success:  true,
		Columns:  []string{"name"},
		Rows:     []map[string]any{{"name": "alpha"}},
		RowCount: 1,
	}}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)
	ctx := context.Background()

	first, err := service.Ask(ctx, Request{UserID: "42", Message: "projects?"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if first.FromCache {
		t.Fatal("first answer reported a cache hit")
	}

	second, err := service.Ask(ctx, Request{UserID: "42", Message: "projects?"})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if !second.FromCache {
		t.Fatal("second answer missed the result cache")
	}
	if executor.calls != 1 {
		t.Fatalf("executor called %d times, want 1", executor.calls)
	}
	if second.RowCount != 1 || second.Rows[0]["name"] != "alpha" {
		t.Fatalf("cached resp = %+v", second)
	}
}

func TestAskResultCacheKeysOnExactSQL(t *testing.T) {
	upper := "SELECT id FROM bi_reports.projects WHERE name = 'Alice' LIMIT 10"
	lower := "SELECT id FROM bi_reports.projects WHERE name = 'alice' LIMIT 10"
	generator := &sequenceGenerator{sqls: []string{upper, lower}}
	executor := &echoExecutor{}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)
	ctx := context.Background()

	first, err := service.Ask(ctx, Request{UserID: "42", Message: "projects for Alice?"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if first.Rows[0]["sql"] != upper {
		t.Fatalf("first resp ran %q", first.Rows[0]["sql"])
	}

	second, err := service.Ask(ctx, Request{UserID: "42", Message: "projects for alice?"})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if second.FromCache {
		t.Fatal("statement differing inside a string literal hit the cache")
	}
	if executor.calls != 2 {
		t.Fatalf("executor called %d times, want 2", executor.calls)
	}
	if second.Rows[0]["sql"] != lower {
		t.Fatalf("second resp served %q, want the lowercase-literal statement", second.Rows[0]["sql"])
	}
}

func TestAskAnswersCountQuestionsDirectly(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT count(*) AS total FROM bi_reports.projects LIMIT 1"}
	executor := &fakeExecutor{result: gateway.Result{
		Success:  true,
		Columns:  []string{"total"},
		Rows:     []map[string]any{{"total": int64(37)}},
		RowCount: 1,
	}}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "How many projects are there?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(resp.Message, "37") {
		t.Fatalf("message = %q, want the count inline", resp.Message)
	}
}

func TestAskReportsGenerationFailureInMessage(t *testing.T) {
	generator := &fakeGenerator{err: context.DeadlineExceeded}
	service := newService(generator, &fakeExecutor{}, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "hmm"})
	if err != nil {
		t.Fatalf("Ask returned transport error: %v", err)
	}
	if resp.Success {
		t.Fatal("failed generation reported success")
	}
	if !strings.Contains(resp.Message, "could not generate") {
		t.Fatalf("message = %q", resp.Message)
	}
	if resp.Error == "" {
		t.Fatal("error field not set on generation failure")
	}
}

func TestAskZeroRowsIsExplicitSuccess(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT name FROM bi_reports.projects LIMIT 10"}
	executor := &fakeExecutor{result: gateway.Result{Success: true, Columns: []string{"name"}, RowCount: 0}}
	service := newService(generator, executor, fakeLimiter{allow: true}, nil)

	resp, err := service.Ask(context.Background(), Request{UserID: "42", Message: "projects named zzz?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !resp.Success {
		t.Fatal("zero-row answer reported failure")
	}
	if !strings.Contains(resp.Message, "no matching rows") {
		t.Fatalf("message = %q", resp.Message)
	}
}
