package services

import (
	"context"
	"database/sql"
	"testing"

	"kotoba/internal/models"
)

func TestMistakeLifecycle(t *testing.T) {
	conn := newTestDB(t)
	svc := NewLedgerService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "犬", Meaning: "dog"})

	var none sql.NullInt64
	if _, err := svc.RecordMistake(ctx, itemID, models.SourceSentence, none, none); err != nil {
		t.Fatalf("first mistake: %v", err)
	}
	if _, err := svc.RecordMistake(ctx, itemID, models.SourceSentence, none, none); err != nil {
		t.Fatalf("second mistake: %v", err)
	}

	var count int
	err := conn.QueryRow(`SELECT mistake_count FROM mistakes WHERE item_id = ? AND source = ?`,
		itemID, models.SourceSentence).Scan(&count)
	if err != nil {
		t.Fatalf("load mistake: %v", err)
	}
	if count != 2 {
		t.Errorf("mistake_count = %d, want 2", count)
	}

	found, err := svc.ResolveMistake(ctx, itemID, models.SourceSentence, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found {
		t.Fatal("resolve reported not found")
	}

	// Reducing past zero deletes the row.
	if _, err := svc.ResolveMistake(ctx, itemID, models.SourceSentence, 5); err != nil {
		t.Fatalf("resolve to zero: %v", err)
	}
	var remaining int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ?`, itemID).Scan(&remaining); err != nil {
		t.Fatalf("count mistakes: %v", err)
	}
	if remaining != 0 {
		t.Errorf("mistakes remaining = %d, want 0", remaining)
	}

	found, err = svc.ResolveMistake(ctx, itemID, models.SourceSentence, 1)
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	if found {
		t.Error("resolve of a missing counter reported found")
	}
}

func TestMistakeCountersSplitBySource(t *testing.T) {
	conn := newTestDB(t)
	svc := NewLedgerService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "鳥", Meaning: "bird"})

	var none sql.NullInt64
	if _, err := svc.RecordMistake(ctx, itemID, models.SourceSentence, none, none); err != nil {
		t.Fatalf("sentence mistake: %v", err)
	}
	if _, err := svc.RecordMistake(ctx, itemID, models.SourceTest, none, none); err != nil {
		t.Fatalf("test mistake: %v", err)
	}

	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ?`, itemID).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 2 {
		t.Errorf("mistake rows = %d, want one per source", rows)
	}
}

func TestErrorLedger(t *testing.T) {
	conn := newTestDB(t)
	svc := NewLedgerService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "魚", Meaning: "fish"})
	item := sql.NullInt64{Int64: itemID, Valid: true}

	if _, err := svc.RecordError(ctx, item, models.ErrorSourceCloze, "cloze_wrong", "expected=魚; response=鳥"); err != nil {
		t.Fatalf("record cloze error: %v", err)
	}
	if _, err := svc.RecordError(ctx, item, models.ErrorSourceTest, "test_wrong", "expected=魚; response="); err != nil {
		t.Fatalf("record test error: %v", err)
	}

	// Entries without an item are skipped, not stored.
	id, err := svc.RecordError(ctx, sql.NullInt64{}, models.ErrorSourceCloze, "cloze_wrong", "")
	if err != nil {
		t.Fatalf("record itemless error: %v", err)
	}
	if id != 0 {
		t.Errorf("itemless error id = %d, want 0", id)
	}

	open, err := svc.UnresolvedErrors(ctx, "", 10)
	if err != nil {
		t.Fatalf("list open errors: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open errors = %d, want 2", len(open))
	}

	// Resolving one source leaves the other open.
	n, err := svc.ResolveErrorsForItem(ctx, itemID, models.ErrorSourceCloze)
	if err != nil {
		t.Fatalf("resolve cloze errors: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}
	open, err = svc.UnresolvedErrors(ctx, "", 10)
	if err != nil {
		t.Fatalf("list open errors: %v", err)
	}
	if len(open) != 1 || open[0].Source != models.ErrorSourceTest {
		t.Errorf("open after resolve = %+v, want only the test entry", open)
	}
}
