package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kotoba/internal/models"
	"kotoba/internal/timeutil"
)

// LedgerService keeps the two failure views: the per-(item, source) mistake
// counters that drive queue priority, and the append-only error log used
// for post-mortems. The two are maintained side by side but independently;
// a failed write to one never blocks the other view's callers.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

func (s *LedgerService) RecordMistake(ctx context.Context, itemID int64, source string, cardID, attemptID sql.NullInt64) (int64, error) {
	return recordMistake(ctx, s.db, itemID, source, cardID, attemptID)
}

func (s *LedgerService) ResolveMistake(ctx context.Context, itemID int64, source string, reduceBy int) (bool, error) {
	return resolveMistake(ctx, s.db, itemID, source, reduceBy)
}

func (s *LedgerService) RecordError(ctx context.Context, itemID sql.NullInt64, source, errorType, note string) (int64, error) {
	return recordError(ctx, s.db, itemID, source, errorType, note)
}

func (s *LedgerService) ResolveErrorsForItem(ctx context.Context, itemID int64, source string) (int64, error) {
	return resolveErrors(ctx, s.db, itemID, source)
}

// UnresolvedErrors lists open error-log entries, newest first, optionally
// narrowed to one practice category.
func (s *LedgerService) UnresolvedErrors(ctx context.Context, source string, limit int) ([]models.ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, item_id, source, error_type, note, created_at, resolved
		FROM errors WHERE resolved = 0`
	params := []any{}
	if source != "" {
		query += " AND source = ?"
		params = append(params, source)
	}
	query += " ORDER BY id DESC LIMIT ?"
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorLog
	for rows.Next() {
		var e models.ErrorLog
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Source, &e.ErrorType, &e.Note, &e.CreatedAt, &e.Resolved); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// recordMistake bumps the (item, source) counter, creating it on first
// failure. Returns the mistake row id.
func recordMistake(ctx context.Context, q querier, itemID int64, source string, cardID, attemptID sql.NullInt64) (int64, error) {
	now := timeutil.Now()

	var (
		id    int64
		count int
	)
	err := q.QueryRowContext(ctx, `SELECT id, mistake_count FROM mistakes WHERE item_id = ? AND source = ?`,
		itemID, source).Scan(&id, &count)
	switch {
	case err == nil:
		_, err = q.ExecContext(ctx, `
			UPDATE mistakes
			SET mistake_count = ?, last_mistake_at = ?, card_id = COALESCE(?, card_id), last_attempt_id = ?
			WHERE id = ?`,
			count+1, now, cardID, attemptID, id)
		if err != nil {
			return 0, fmt.Errorf("update mistake %d: %w", id, err)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := q.ExecContext(ctx, `
			INSERT INTO mistakes (item_id, card_id, source, mistake_count, last_mistake_at, last_attempt_id)
			VALUES (?, ?, ?, 1, ?, ?)`,
			itemID, cardID, source, now, attemptID)
		if err != nil {
			return 0, fmt.Errorf("insert mistake: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert mistake: %w", err)
		}
		return newID, nil
	default:
		return 0, fmt.Errorf("look up mistake: %w", err)
	}
}

// resolveMistake reduces the counter by at least one, deleting the row once
// it reaches zero. A missing counter is not an error; it reports false.
func resolveMistake(ctx context.Context, q querier, itemID int64, source string, reduceBy int) (bool, error) {
	if reduceBy < 1 {
		reduceBy = 1
	}

	var (
		id    int64
		count int
	)
	err := q.QueryRowContext(ctx, `SELECT id, mistake_count FROM mistakes WHERE item_id = ? AND source = ?`,
		itemID, source).Scan(&id, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up mistake: %w", err)
	}

	newCount := count - reduceBy
	if newCount <= 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM mistakes WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("delete mistake %d: %w", id, err)
		}
		return true, nil
	}
	_, err = q.ExecContext(ctx, `UPDATE mistakes SET mistake_count = ?, last_mistake_at = ? WHERE id = ?`,
		newCount, timeutil.Now(), id)
	if err != nil {
		return false, fmt.Errorf("update mistake %d: %w", id, err)
	}
	return true, nil
}

// recordError appends an error-log entry. Entries without an item are
// untrackable and silently skipped.
func recordError(ctx context.Context, q querier, itemID sql.NullInt64, source, errorType, note string) (int64, error) {
	if !itemID.Valid {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO errors (item_id, source, error_type, note, created_at, resolved)
		VALUES (?, ?, ?, ?, ?, 0)`,
		itemID, source, errorType, note, timeutil.Now())
	if err != nil {
		return 0, fmt.Errorf("insert error log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert error log: %w", err)
	}
	return id, nil
}

// resolveErrors marks open entries for the item resolved, optionally only
// those of one source. Returns the number of rows flipped.
func resolveErrors(ctx context.Context, q querier, itemID int64, source string) (int64, error) {
	query := `UPDATE errors SET resolved = 1 WHERE item_id = ? AND resolved = 0`
	params := []any{itemID}
	if source != "" {
		query += " AND source = ?"
		params = append(params, source)
	}
	res, err := q.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("resolve errors for item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve errors for item %d: %w", itemID, err)
	}
	return n, nil
}
