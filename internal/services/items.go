package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kotoba/internal/cloze"
	"kotoba/internal/models"
	"kotoba/internal/timeutil"
)

// ErrMissingRequired is returned when a new item lacks its term or meaning.
var ErrMissingRequired = errors.New("term and meaning are required")

const newCardEase = 2.2

// ItemService owns the item/card/sentence lifecycle.
type ItemService struct {
	db *sql.DB
}

func NewItemService(db *sql.DB) *ItemService {
	return &ItemService{db: db}
}

// NewItem is the input for CreateItemWithCard. All text fields are trimmed
// before use; Tags is a comma-separated list.
type NewItem struct {
	Type    models.ItemType
	Term    string
	Reading string
	Meaning string
	Example string
	Tags    string
}

// CreateItemWithCard inserts an item together with its scheduling card and,
// when an example sentence is given, a sentence row with a precomputed
// cloze. If an item with the same term and reading already exists
// (case-insensitive) the call merges into it instead: tags are unioned,
// meaning and example are filled only if currently empty, and a missing
// card or sentence is created. Returns the item id and whether a new item
// was inserted.
func (s *ItemService) CreateItemWithCard(ctx context.Context, in NewItem) (int64, bool, error) {
	term := strings.TrimSpace(in.Term)
	reading := strings.TrimSpace(in.Reading)
	meaning := strings.TrimSpace(in.Meaning)
	example := strings.TrimSpace(in.Example)
	tags := strings.TrimSpace(in.Tags)

	if term == "" || meaning == "" {
		return 0, false, ErrMissingRequired
	}
	if !models.ValidItemType(in.Type) {
		return 0, false, fmt.Errorf("invalid item type %q", in.Type)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := timeutil.Now()

	var (
		id              int64
		existingTags    sql.NullString
		existingMeaning string
		existingExample sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, tags, meaning, example FROM items
		WHERE lower(term) = lower(?) AND lower(COALESCE(reading, '')) = lower(?)
		LIMIT 1`, term, reading).Scan(&id, &existingTags, &existingMeaning, &existingExample)

	created := false
	switch {
	case err == nil:
		var sets []string
		var params []any
		if merged := mergeTags(existingTags.String, tags); merged != strings.TrimSpace(existingTags.String) {
			sets = append(sets, "tags = ?")
			params = append(params, merged)
		}
		if strings.TrimSpace(existingMeaning) == "" && meaning != "" {
			sets = append(sets, "meaning = ?")
			params = append(params, meaning)
		}
		if strings.TrimSpace(existingExample.String) == "" && example != "" {
			sets = append(sets, "example = ?")
			params = append(params, example)
		}
		if len(sets) > 0 {
			params = append(params, id)
			if _, err := tx.ExecContext(ctx, "UPDATE items SET "+strings.Join(sets, ", ")+" WHERE id = ?", params...); err != nil {
				return 0, false, fmt.Errorf("merge item %d: %w", id, err)
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (item_type, term, reading, meaning, example, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(in.Type), term, nullIfEmpty(reading), meaning, nullIfEmpty(example), nullIfEmpty(tags), now)
		if err != nil {
			return 0, false, fmt.Errorf("insert item: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("insert item: %w", err)
		}
		created = true
	default:
		return 0, false, fmt.Errorf("look up item: %w", err)
	}

	if err := ensureCard(ctx, tx, id, now); err != nil {
		return 0, false, err
	}
	if example != "" {
		if err := ensureSentence(ctx, tx, id, term, example, now); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit item: %w", err)
	}
	return id, created, nil
}

// ensureCard gives the item a card due today with a fresh ease, unless one
// already exists.
func ensureCard(ctx context.Context, q querier, itemID int64, now string) error {
	var cardID int64
	err := q.QueryRowContext(ctx, `SELECT id FROM cards WHERE item_id = ? LIMIT 1`, itemID).Scan(&cardID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("look up card for item %d: %w", itemID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO cards (item_id, due_date, interval_days, ease, lapses, is_leech, created_at, updated_at)
		VALUES (?, ?, 0, ?, 0, 0, ?, ?)`,
		itemID, timeutil.Today(), newCardEase, now, now)
	if err != nil {
		return fmt.Errorf("insert card for item %d: %w", itemID, err)
	}
	return nil
}

// ensureSentence stores the example with its cloze, skipping exact
// duplicates of the same item's sentence text.
func ensureSentence(ctx context.Context, q querier, itemID int64, term, sentence, now string) error {
	var sentenceID int64
	err := q.QueryRowContext(ctx, `SELECT id FROM sentences WHERE item_id = ? AND sentence = ? LIMIT 1`,
		itemID, sentence).Scan(&sentenceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("look up sentence for item %d: %w", itemID, err)
	}
	built := cloze.Build(sentence, term)
	_, err = q.ExecContext(ctx, `
		INSERT INTO sentences (item_id, kind, sentence, cloze, answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		itemID, models.SentenceExample, sentence, built.Cloze, built.Answer, now)
	if err != nil {
		return fmt.Errorf("insert sentence for item %d: %w", itemID, err)
	}
	return nil
}

// mergeTags unions two comma-separated tag lists, case-insensitively,
// keeping the first-seen order and spelling.
func mergeTags(existing, incoming string) string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(existing+","+incoming, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	return strings.Join(out, ", ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ItemsByIDs fetches items in the given order; missing ids are skipped.
func (s *ItemService) ItemsByIDs(ctx context.Context, ids []int64) ([]models.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	params := make([]any, len(ids))
	for i, id := range ids {
		params[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_type, term, reading, meaning, example, tags, created_at
		FROM items WHERE id IN (`+placeholders+`)`, params...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]models.Item)
	for rows.Next() {
		var it models.Item
		if err := rows.Scan(&it.ID, &it.Type, &it.Term, &it.Reading, &it.Meaning, &it.Example, &it.Tags, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		byID[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	out := make([]models.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// RecentItems returns the newest items first.
func (s *ItemService) RecentItems(ctx context.Context, limit int) ([]models.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_type, term, reading, meaning, example, tags, created_at
		FROM items ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent items: %w", err)
	}
	defer rows.Close()

	var out []models.Item
	for rows.Next() {
		var it models.Item
		if err := rows.Scan(&it.ID, &it.Type, &it.Term, &it.Reading, &it.Meaning, &it.Example, &it.Tags, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *ItemService) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
