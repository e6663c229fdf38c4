package services

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"kotoba/internal/db"
	"kotoba/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// addItem inserts a full item through the lifecycle service and returns its
// id.
func addItem(t *testing.T, conn *sql.DB, in NewItem) int64 {
	t.Helper()
	if in.Type == "" {
		in.Type = models.ItemVocab
	}
	id, _, err := NewItemService(conn).CreateItemWithCard(context.Background(), in)
	if err != nil {
		t.Fatalf("create item %q: %v", in.Term, err)
	}
	return id
}

func cardForItem(t *testing.T, conn *sql.DB, itemID int64) models.Card {
	t.Helper()
	var c models.Card
	err := conn.QueryRow(`
		SELECT id, item_id, due_date, interval_days, ease, lapses, last_grade, is_leech, created_at, updated_at
		FROM cards WHERE item_id = ?`, itemID).Scan(
		&c.ID, &c.ItemID, &c.DueDate, &c.IntervalDays, &c.Ease, &c.Lapses,
		&c.LastGrade, &c.IsLeech, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		t.Fatalf("load card for item %d: %v", itemID, err)
	}
	return c
}
