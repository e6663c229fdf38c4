// Package services implements the engine operations against the relational
// store: item lifecycle, review scheduling, the mistake/error ledger, the
// attempt log and its aggregates, and the three queue builders. Every
// logical unit of work runs in a single transaction on the handle it is
// given; there is no package-level state.
package services

import (
	"context"
	"database/sql"
	"strings"

	"kotoba/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx, so ledger and attempt
// helpers can run standalone or inside a larger transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// appendTagFilters narrows a query on items i by tag substring and level.
// The level clause is only a cheap prefilter; the definitive check is the
// normalized token-set match done in Go (levelMatches) before the limit.
func appendTagFilters(query string, params []any, tag, level string) (string, []any) {
	if tag = strings.TrimSpace(tag); tag != "" {
		query += " AND lower(COALESCE(i.tags,'')) LIKE '%'||lower(?)||'%'"
		params = append(params, tag)
	}
	if level = strings.TrimSpace(level); level != "" {
		query += " AND lower(COALESCE(i.tags,'')) LIKE '%'||lower(?)||'%'"
		params = append(params, level)
	}
	return query, params
}

func levelMatches(tags sql.NullString, level string) bool {
	if strings.TrimSpace(level) == "" {
		return true
	}
	return models.HasTagToken(tags.String, level)
}

// answersMatch compares a response to the expected answer the way all
// practice modes grade: trimmed, case-insensitive. An empty expected answer
// never matches.
func answersMatch(response, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(response), expected)
}

func accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}
