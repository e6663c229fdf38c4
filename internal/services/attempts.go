package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kotoba/internal/models"
	"kotoba/internal/timeutil"
)

// AttemptService owns the append-only attempt log and every aggregate
// derived from it: daily activity, per-source splits, the timeseries, the
// streak, and the level breakdown.
type AttemptService struct {
	db *sql.DB
}

func NewAttemptService(db *sql.DB) *AttemptService {
	return &AttemptService{db: db}
}

// ReviewStats is the day summary of raw SRS grading events.
type ReviewStats struct {
	Date     string  `json:"date"`
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// SourceActivity is one practice mode's share of a day's graded attempts.
type SourceActivity struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// ActivityStats summarizes all graded attempts of one day across modes.
type ActivityStats struct {
	Date     string                    `json:"date"`
	Total    int                       `json:"total"`
	Correct  int                       `json:"correct"`
	Accuracy float64                   `json:"accuracy"`
	BySource map[string]SourceActivity `json:"by_source"`
}

// DayActivity is one day of the activity timeseries.
type DayActivity struct {
	Date     string  `json:"date"`
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

func (s *AttemptService) RecordAttempt(ctx context.Context, a models.Attempt) (int64, error) {
	return recordAttempt(ctx, s.db, a)
}

func recordAttempt(ctx context.Context, q querier, a models.Attempt) (int64, error) {
	createdAt := a.CreatedAt
	if createdAt == "" {
		createdAt = timeutil.Now()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO attempts (item_id, card_id, sentence_id, test_id, test_attempt_id,
			source, prompt, response, expected, is_correct, score, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ItemID, a.CardID, a.SentenceID, a.TestID, a.TestAttemptID,
		a.Source, a.Prompt, a.Response, a.Expected, a.IsCorrect, a.Score, a.DurationMS, createdAt)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return id, nil
}

// ReviewStats aggregates the review log for one calendar day.
func (s *AttemptService) ReviewStats(ctx context.Context, date string) (ReviewStats, error) {
	var (
		total   int
		correct sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(is_correct) FROM review_logs WHERE substr(created_at, 1, 10) = ?`,
		date).Scan(&total, &correct)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("query review stats: %w", err)
	}
	st := ReviewStats{Date: date, Total: total, Correct: int(correct.Int64)}
	st.Accuracy = accuracy(st.Correct, st.Total)
	return st, nil
}

// AttemptStats aggregates graded attempts for one calendar day, split by
// practice mode. Ungraded attempts (is_correct NULL) are excluded.
func (s *AttemptService) AttemptStats(ctx context.Context, date string) (ActivityStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), SUM(is_correct)
		FROM attempts
		WHERE is_correct IS NOT NULL AND substr(created_at, 1, 10) = ?
		GROUP BY source`, date)
	if err != nil {
		return ActivityStats{}, fmt.Errorf("query attempt stats: %w", err)
	}
	defer rows.Close()

	st := ActivityStats{Date: date, BySource: make(map[string]SourceActivity)}
	for rows.Next() {
		var (
			source  string
			total   int
			correct sql.NullInt64
		)
		if err := rows.Scan(&source, &total, &correct); err != nil {
			return ActivityStats{}, fmt.Errorf("scan attempt stats: %w", err)
		}
		sa := SourceActivity{Total: total, Correct: int(correct.Int64)}
		sa.Accuracy = accuracy(sa.Correct, sa.Total)
		st.BySource[source] = sa
		st.Total += sa.Total
		st.Correct += sa.Correct
	}
	if err := rows.Err(); err != nil {
		return ActivityStats{}, fmt.Errorf("iterate attempt stats: %w", err)
	}
	st.Accuracy = accuracy(st.Correct, st.Total)
	return st, nil
}

// Timeseries returns up to days of daily activity, most recent first. Days
// with no graded attempts are absent, not zero-filled.
func (s *AttemptService) Timeseries(ctx context.Context, days int) ([]DayActivity, error) {
	if days <= 0 {
		days = 14
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT substr(created_at, 1, 10) AS d, COUNT(*), SUM(is_correct)
		FROM attempts
		WHERE is_correct IS NOT NULL AND date(created_at) >= date('now', '-%d days')
		GROUP BY d
		ORDER BY d DESC
		LIMIT ?`, days-1), days)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	var out []DayActivity
	for rows.Next() {
		var (
			day     DayActivity
			correct sql.NullInt64
		)
		if err := rows.Scan(&day.Date, &day.Total, &correct); err != nil {
			return nil, fmt.Errorf("scan timeseries: %w", err)
		}
		day.Correct = int(correct.Int64)
		day.Accuracy = accuracy(day.Correct, day.Total)
		out = append(out, day)
	}
	return out, rows.Err()
}

// Streak counts consecutive days ending today with at least one review or
// attempt, scanning back at most maxDays.
func (s *AttemptService) Streak(ctx context.Context, maxDays int) (int, error) {
	if maxDays <= 0 {
		maxDays = 60
	}
	streak := 0
	for i := 0; i < maxDays; i++ {
		date := timeutil.AddDays(timeutil.Today(), -i)
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM (
				SELECT created_at FROM review_logs
				UNION ALL
				SELECT created_at FROM attempts
			) WHERE substr(created_at, 1, 10) = ? LIMIT 1`, date).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("query streak day %s: %w", date, err)
		}
		streak++
	}
	return streak, nil
}

// LevelBreakdown counts cards per JLPT level tag, either over all cards or
// only those currently due. A card whose item carries no level tag is not
// counted anywhere.
func (s *AttemptService) LevelBreakdown(ctx context.Context, dueOnly bool) (map[string]int, error) {
	query := `SELECT i.tags FROM cards c JOIN items i ON i.id = c.item_id`
	var params []any
	if dueOnly {
		query += ` WHERE c.due_date <= ?`
		params = append(params, timeutil.Today())
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query level breakdown: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(models.JLPTLevels))
	for _, level := range models.JLPTLevels {
		counts[level] = 0
	}
	for rows.Next() {
		var tags sql.NullString
		if err := rows.Scan(&tags); err != nil {
			return nil, fmt.Errorf("scan level breakdown: %w", err)
		}
		if !tags.Valid {
			continue
		}
		for _, level := range models.JLPTLevels {
			if models.HasTagToken(tags.String, level) {
				counts[level]++
			}
		}
	}
	return counts, rows.Err()
}

// AttemptsForExport returns graded and ungraded attempts within the last
// days, newest first, capped at limit rows. An empty sources list exports
// every practice mode.
func (s *AttemptService) AttemptsForExport(ctx context.Context, sources []string, days, limit int) ([]models.Attempt, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 {
		limit = 2000
	}

	sourceFilter := ""
	params := make([]any, 0, len(sources)+1)
	if len(sources) > 0 {
		placeholders := strings.Repeat("?,", len(sources))
		sourceFilter = fmt.Sprintf("source IN (%s) AND ", placeholders[:len(placeholders)-1])
		for _, src := range sources {
			params = append(params, src)
		}
	}
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, item_id, card_id, sentence_id, test_id, test_attempt_id,
			source, prompt, response, expected, is_correct, score, duration_ms, created_at
		FROM attempts
		WHERE %sdate(created_at) >= date('now', '-%d days')
		ORDER BY created_at DESC
		LIMIT ?`, sourceFilter, days), params...)
	if err != nil {
		return nil, fmt.Errorf("query attempts for export: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		var (
			a                          models.Attempt
			prompt, response, expected sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ItemID, &a.CardID, &a.SentenceID, &a.TestID, &a.TestAttemptID,
			&a.Source, &prompt, &response, &expected, &a.IsCorrect, &a.Score, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Prompt = prompt.String
		a.Response = response.String
		a.Expected = expected.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// LeechDueCount counts leech cards currently due.
func (s *AttemptService) LeechDueCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE is_leech = 1 AND due_date <= ?`,
		timeutil.Today()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due leeches: %w", err)
	}
	return n, nil
}
