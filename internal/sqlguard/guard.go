// Package sqlguard validates generated SQL before it reaches the warehouse.
// Validation is fail-closed: any check that cannot positively pass rejects
// the statement. The checks are textual, not a SQL parse, so a denied
// keyword appearing inside a string literal or identifier also rejects.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Stage names label rejection metrics and audit entries.
const (
	StageEmpty     = "empty"
	StageDenylist  = "denylist"
	StageInjection = "injection"
	StageTables    = "tables"
)

var deniedKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER",
	"TRUNCATE", "GRANT", "REVOKE", "EXECUTE", "EXEC",
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)';.*--`),
	regexp.MustCompile(`(?is)';.*#`),
	regexp.MustCompile(`(?is)';.*/\*`),
	regexp.MustCompile(`(?is)\bUNION\b.*\bSELECT\b`),
	regexp.MustCompile(`(?is)\bOR\b.*\b1\s*=\s*1\b`),
	regexp.MustCompile(`(?is)\bOR\b.*'1'\s*=\s*'1'`),
	regexp.MustCompile(`(?is)\bAND\b.*\b1\s*=\s*1\b`),
	regexp.MustCompile(`(?is)\bAND\b.*'1'\s*=\s*'1'`),
}

var tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*\.[a-zA-Z_][a-zA-Z0-9_]*)`)

var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// TableChecker reports whether a "schema.table" reference may be queried.
type TableChecker interface {
	TableAllowed(ref string) bool
}

type Guard struct {
	tables  TableChecker
	maxRows int
}

// Result reports the validation outcome. Stage is set only on rejection.
type Result struct {
	Valid    bool     `json:"valid"`
	Stage    string   `json:"stage,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func New(tables TableChecker, maxRows int) *Guard {
	return &Guard{tables: tables, maxRows: maxRows}
}

// Validate runs the staged checks in order and stops at the first failure.
// Warnings never block execution.
func (g *Guard) Validate(sqlText string) Result {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return Result{Stage: StageEmpty, Reason: "empty SQL statement"}
	}

	upper := strings.ToUpper(trimmed)
	for _, keyword := range deniedKeywords {
		if strings.Contains(upper, keyword) {
			return Result{
				Stage:  StageDenylist,
				Reason: fmt.Sprintf("statement contains denied keyword %s", keyword),
			}
		}
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(trimmed) {
			return Result{
				Stage:  StageInjection,
				Reason: "statement matches a SQL injection pattern",
			}
		}
	}

	for _, match := range tableRefPattern.FindAllStringSubmatch(trimmed, -1) {
		ref := match[1]
		if !g.tables.TableAllowed(ref) {
			return Result{
				Stage:  StageTables,
				Reason: fmt.Sprintf("table %s is not on the read-only allow-list", strings.ToLower(ref)),
			}
		}
	}

	return Result{Valid: true, Warnings: g.warnings(trimmed, upper)}
}

func (g *Guard) warnings(trimmed, upper string) []string {
	var warnings []string
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		warnings = append(warnings, "statement does not start with SELECT")
	}
	if !strings.Contains(upper, "FROM") {
		warnings = append(warnings, "statement has no FROM clause")
	}
	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		warnings = append(warnings, "unbalanced parentheses")
	}
	if match := limitPattern.FindStringSubmatch(trimmed); match == nil {
		warnings = append(warnings, fmt.Sprintf("no LIMIT clause, results will be capped at %d rows", g.maxRows))
	} else if limit := parseLimit(match[1]); limit > g.maxRows {
		warnings = append(warnings, fmt.Sprintf("LIMIT %d exceeds the %d row cap", limit, g.maxRows))
	}
	return warnings
}

func parseLimit(digits string) int {
	n := 0
	for _, r := range digits {
		n = n*10 + int(r-'0')
		if n > 1<<30 {
			return n
		}
	}
	return n
}
