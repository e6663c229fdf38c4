package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"kotoba/internal/srs"
	"kotoba/internal/timeutil"
)

func TestDueCardsOrdering(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)
	ctx := context.Background()

	type seed struct {
		term    string
		leech   bool
		lapses  int
		dueDate string
	}
	seeds := []seed{
		{"甲", true, 3, "2024-01-01"},
		{"乙", false, 9, "2024-01-01"},
		{"丙", true, 9, "2023-12-30"},
	}
	for _, s := range seeds {
		itemID := addItem(t, conn, NewItem{Term: s.term, Meaning: s.term})
		_, err := conn.Exec(`UPDATE cards SET is_leech = ?, lapses = ?, due_date = ? WHERE item_id = ?`,
			s.leech, s.lapses, s.dueDate, itemID)
		if err != nil {
			t.Fatalf("seed card %s: %v", s.term, err)
		}
	}

	due, err := svc.DueCards(ctx, DueFilter{Limit: 10})
	if err != nil {
		t.Fatalf("due cards: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due = %d cards, want 3", len(due))
	}
	want := []string{"丙", "甲", "乙"}
	for i, term := range want {
		if due[i].Term != term {
			t.Errorf("due[%d] = %s, want %s", i, due[i].Term, term)
		}
	}
}

func TestDueCardsFilters(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)
	ctx := context.Background()

	addItem(t, conn, NewItem{Term: "水", Meaning: "water", Tags: "N5, nature"})
	addItem(t, conn, NewItem{Term: "経済", Meaning: "economy", Tags: "N2, news"})
	// A level tag is a whole token; "N50" must not count as N5.
	addItem(t, conn, NewItem{Term: "偽", Meaning: "fake", Tags: "N50"})

	due, err := svc.DueCards(ctx, DueFilter{Limit: 10, Level: "N5"})
	if err != nil {
		t.Fatalf("level filter: %v", err)
	}
	if len(due) != 1 || due[0].Term != "水" {
		t.Errorf("level N5 = %+v, want only 水", due)
	}

	due, err = svc.DueCards(ctx, DueFilter{Limit: 10, Tag: "news"})
	if err != nil {
		t.Fatalf("tag filter: %v", err)
	}
	if len(due) != 1 || due[0].Term != "経済" {
		t.Errorf("tag news = %+v, want only 経済", due)
	}

	due, err = svc.DueCards(ctx, DueFilter{Limit: 10, LeechOnly: true})
	if err != nil {
		t.Fatalf("leech filter: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("leech only = %d cards, want none", len(due))
	}
}

func TestGradeCardWrongAnswer(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "本", Meaning: "book"})
	card := cardForItem(t, conn, itemID)

	updated, err := svc.GradeCard(ctx, card.ID, srs.Again)
	if err != nil {
		t.Fatalf("grade again: %v", err)
	}
	if updated.IntervalDays != 1 || updated.Lapses != 1 || updated.DueDate != timeutil.Today() {
		t.Errorf("after again: interval=%d lapses=%d due=%s", updated.IntervalDays, updated.Lapses, updated.DueDate)
	}
	if math.Abs(updated.Ease-2.0) > 1e-9 {
		t.Errorf("ease = %v, want 2.0", updated.Ease)
	}

	var logs, attempts, mistakes int
	conn.QueryRow(`SELECT COUNT(*) FROM review_logs WHERE card_id = ?`, card.ID).Scan(&logs)
	conn.QueryRow(`SELECT COUNT(*) FROM attempts WHERE card_id = ? AND source = 'srs' AND is_correct = 0`, card.ID).Scan(&attempts)
	conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ? AND source = 'srs'`, itemID).Scan(&mistakes)
	if logs != 1 || attempts != 1 || mistakes != 1 {
		t.Errorf("side effects = (logs=%d, attempts=%d, mistakes=%d), want all 1", logs, attempts, mistakes)
	}
}

func TestGradeCardCorrectAnswerResolvesMistake(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "駅", Meaning: "station"})
	card := cardForItem(t, conn, itemID)

	if _, err := svc.GradeCard(ctx, card.ID, srs.Again); err != nil {
		t.Fatalf("grade again: %v", err)
	}
	updated, err := svc.GradeCard(ctx, card.ID, srs.Good)
	if err != nil {
		t.Fatalf("grade good: %v", err)
	}
	if updated.IntervalDays != 2 {
		t.Errorf("interval = %d, want 2", updated.IntervalDays)
	}
	if updated.DueDate != timeutil.AddDays(timeutil.Today(), 2) {
		t.Errorf("due = %s, want today + 2", updated.DueDate)
	}
	if !updated.LastGrade.Valid || updated.LastGrade.String != "good" {
		t.Errorf("last_grade = %+v, want good", updated.LastGrade)
	}

	var mistakes int
	conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ?`, itemID).Scan(&mistakes)
	if mistakes != 0 {
		t.Errorf("mistakes = %d, want counter resolved", mistakes)
	}
}

func TestGradeCardNotFound(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)

	_, err := svc.GradeCard(context.Background(), 9999, srs.Good)
	if !errors.Is(err, ErrCardNotFound) {
		t.Errorf("err = %v, want ErrCardNotFound", err)
	}
}

func TestCountDueCards(t *testing.T) {
	conn := newTestDB(t)
	svc := NewReviewService(conn)
	ctx := context.Background()

	addItem(t, conn, NewItem{Term: "今日", Meaning: "today"})
	future := addItem(t, conn, NewItem{Term: "明日", Meaning: "tomorrow"})
	_, err := conn.Exec(`UPDATE cards SET due_date = ? WHERE item_id = ?`,
		timeutil.AddDays(timeutil.Today(), 3), future)
	if err != nil {
		t.Fatalf("push card out: %v", err)
	}

	n, err := svc.CountDueCards(ctx)
	if err != nil {
		t.Fatalf("count due: %v", err)
	}
	if n != 1 {
		t.Errorf("due count = %d, want 1", n)
	}

	svcA := NewAttemptService(conn)
	leeches, err := svcA.LeechDueCount(ctx)
	if err != nil {
		t.Fatalf("leech count: %v", err)
	}
	if leeches != 0 {
		t.Errorf("leech count = %d, want 0", leeches)
	}
}
