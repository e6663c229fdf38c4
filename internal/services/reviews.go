package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kotoba/internal/models"
	"kotoba/internal/srs"
	"kotoba/internal/timeutil"
)

// ErrCardNotFound is returned when grading targets a card id that does not
// exist.
var ErrCardNotFound = errors.New("card not found")

// ReviewService builds the due queue and applies grades. Grading is one
// transaction: the card update, the review log row, the attempt row, and
// the mistake-ledger adjustment commit together or not at all.
type ReviewService struct {
	db *sql.DB
}

func NewReviewService(db *sql.DB) *ReviewService {
	return &ReviewService{db: db}
}

// DueFilter narrows the due queue. Level is matched against the item's
// normalized tag tokens, not as a raw substring.
type DueFilter struct {
	Limit     int
	LeechOnly bool
	Tag       string
	Level     string
}

// DueCards returns cards due today or earlier, leeches first, then by
// lapse count, oldest due date, and id for a stable order.
func (s *ReviewService) DueCards(ctx context.Context, f DueFilter) ([]models.DueCard, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT c.id, c.item_id, c.due_date, c.interval_days, c.ease, c.lapses,
			c.last_grade, c.is_leech, c.created_at, c.updated_at,
			i.item_type, i.term, i.reading, i.meaning, i.example, i.tags
		FROM cards c
		JOIN items i ON i.id = c.item_id
		WHERE c.due_date <= ?`
	params := []any{timeutil.Today()}
	if f.LeechOnly {
		query += " AND c.is_leech = 1"
	}
	query, params = appendTagFilters(query, params, f.Tag, f.Level)
	query += " ORDER BY c.is_leech DESC, c.lapses DESC, c.due_date ASC, c.id ASC"
	// The level token check happens in Go, so the SQL limit only applies
	// when it cannot drop rows afterwards.
	if strings.TrimSpace(f.Level) == "" {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query due cards: %w", err)
	}
	defer rows.Close()

	var out []models.DueCard
	for rows.Next() {
		var dc models.DueCard
		if err := rows.Scan(&dc.ID, &dc.ItemID, &dc.DueDate, &dc.IntervalDays, &dc.Ease, &dc.Lapses,
			&dc.LastGrade, &dc.IsLeech, &dc.CreatedAt, &dc.UpdatedAt,
			&dc.ItemType, &dc.Term, &dc.Reading, &dc.Meaning, &dc.Example, &dc.Tags); err != nil {
			return nil, fmt.Errorf("scan due card: %w", err)
		}
		if !levelMatches(dc.Tags, f.Level) {
			continue
		}
		out = append(out, dc)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// CountDueCards counts cards due today or earlier.
func (s *ReviewService) CountDueCards(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE due_date <= ?`,
		timeutil.Today()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due cards: %w", err)
	}
	return n, nil
}

// GradeCard applies one of the four grades to a card and returns its new
// scheduling state. Alongside the card update it logs the review, records
// an attempt, and adjusts the mistake ledger: a wrong answer bumps the SRS
// mistake counter, a correct one reduces it.
func (s *ReviewService) GradeCard(ctx context.Context, cardID int64, grade srs.Grade) (models.Card, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Card{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		card          models.Card
		term, meaning string
		reading       sql.NullString
		itemType      models.ItemType
	)
	err = tx.QueryRowContext(ctx, `
		SELECT c.id, c.item_id, c.due_date, c.interval_days, c.ease, c.lapses,
			c.last_grade, c.is_leech, c.created_at, c.updated_at,
			i.item_type, i.term, i.reading, i.meaning
		FROM cards c
		JOIN items i ON i.id = c.item_id
		WHERE c.id = ?`, cardID).Scan(
		&card.ID, &card.ItemID, &card.DueDate, &card.IntervalDays, &card.Ease, &card.Lapses,
		&card.LastGrade, &card.IsLeech, &card.CreatedAt, &card.UpdatedAt,
		&itemType, &term, &reading, &meaning)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Card{}, fmt.Errorf("grade card %d: %w", cardID, ErrCardNotFound)
	}
	if err != nil {
		return models.Card{}, fmt.Errorf("load card %d: %w", cardID, err)
	}

	today := timeutil.Today()
	next := srs.ApplyGrade(srs.State{
		DueDate:      card.DueDate,
		IntervalDays: card.IntervalDays,
		Ease:         card.Ease,
		Lapses:       card.Lapses,
		IsLeech:      card.IsLeech,
	}, grade, today)

	now := timeutil.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET due_date = ?, interval_days = ?, ease = ?, lapses = ?, last_grade = ?, is_leech = ?, updated_at = ?
		WHERE id = ?`,
		next.DueDate, next.IntervalDays, next.Ease, next.Lapses, string(grade), next.IsLeech, now, card.ID)
	if err != nil {
		return models.Card{}, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	correct := grade.Correct()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, grade, is_correct, created_at) VALUES (?, ?, ?, ?)`,
		card.ID, string(grade), correct, now)
	if err != nil {
		return models.Card{}, fmt.Errorf("insert review log: %w", err)
	}

	prompt := fmt.Sprintf("[%s] %s", itemType, term)
	if reading.Valid && strings.TrimSpace(reading.String) != "" {
		prompt += fmt.Sprintf(" (%s)", reading.String)
	}
	attemptID, err := recordAttempt(ctx, tx, models.Attempt{
		ItemID:    sql.NullInt64{Int64: card.ItemID, Valid: true},
		CardID:    sql.NullInt64{Int64: card.ID, Valid: true},
		Source:    models.SourceSRS,
		Prompt:    prompt,
		Response:  string(grade),
		Expected:  meaning,
		IsCorrect: sql.NullBool{Bool: correct, Valid: true},
		CreatedAt: now,
	})
	if err != nil {
		return models.Card{}, err
	}

	if correct {
		if _, err := resolveMistake(ctx, tx, card.ItemID, models.SourceSRS, 1); err != nil {
			return models.Card{}, err
		}
	} else {
		_, err := recordMistake(ctx, tx, card.ItemID, models.SourceSRS,
			sql.NullInt64{Int64: card.ID, Valid: true},
			sql.NullInt64{Int64: attemptID, Valid: true})
		if err != nil {
			return models.Card{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Card{}, fmt.Errorf("commit grade: %w", err)
	}

	card.DueDate = next.DueDate
	card.IntervalDays = next.IntervalDays
	card.Ease = next.Ease
	card.Lapses = next.Lapses
	card.LastGrade = sql.NullString{String: string(grade), Valid: true}
	card.IsLeech = next.IsLeech
	card.UpdatedAt = now
	return card, nil
}
