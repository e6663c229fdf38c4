package services

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"kotoba/internal/models"
)

func TestClozeQueueOrdersMissedFirst(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	addItem(t, conn, NewItem{Term: "朝", Meaning: "morning", Example: "朝ごはんを食べる。"})
	missed := addItem(t, conn, NewItem{Term: "夜", Meaning: "night", Example: "夜は静かだ。"})
	addItem(t, conn, NewItem{Term: "昼", Meaning: "noon", Example: "昼に会いましょう。"})

	var none sql.NullInt64
	if _, err := recordMistake(ctx, conn, missed, models.SourceSentence, none, none); err != nil {
		t.Fatalf("seed mistake: %v", err)
	}

	queue, err := svc.ClozeQueue(ctx, ClozeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("cloze queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue = %d cards, want 3", len(queue))
	}
	if queue[0].Term != "夜" {
		t.Errorf("queue head = %s, want the missed item", queue[0].Term)
	}
	// Unmissed sentences follow, newest first.
	if queue[1].Term != "昼" || queue[2].Term != "朝" {
		t.Errorf("queue tail = %s, %s, want 昼, 朝", queue[1].Term, queue[2].Term)
	}
}

func TestClozeQueueBackfillsCache(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "海", Meaning: "sea"})
	// A sentence stored without a cloze gets one on first read.
	_, err := conn.Exec(`INSERT INTO sentences (item_id, kind, sentence, created_at) VALUES (?, 'user', '海が見える。', '2024-01-01T00:00:00')`, itemID)
	if err != nil {
		t.Fatalf("insert bare sentence: %v", err)
	}

	queue, err := svc.ClozeQueue(ctx, ClozeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("cloze queue: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("queue = %d cards, want 1", len(queue))
	}
	if queue[0].Cloze != "____が見える。" || queue[0].Answer != "海" {
		t.Errorf("generated cloze = (%q, %q)", queue[0].Cloze, queue[0].Answer)
	}

	var cached, answer string
	err = conn.QueryRow(`SELECT cloze, answer FROM sentences WHERE item_id = ?`, itemID).Scan(&cached, &answer)
	if err != nil {
		t.Fatalf("reload sentence: %v", err)
	}
	if cached != "____が見える。" || answer != "海" {
		t.Errorf("cache = (%q, %q), want backfilled", cached, answer)
	}
}

func TestTestBatchSizeAndDedupe(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		addItem(t, conn, NewItem{
			Term:    fmt.Sprintf("語%d", i),
			Meaning: fmt.Sprintf("word %d", i),
			Example: fmt.Sprintf("語%dを使う。", i),
		})
	}

	batch, err := svc.TestBatch(ctx, TestOptions{Total: 15})
	if err != nil {
		t.Fatalf("test batch: %v", err)
	}
	if len(batch) != 15 {
		t.Fatalf("batch = %d questions, want 15", len(batch))
	}
	seen := make(map[int64]bool)
	for _, q := range batch {
		if seen[q.SentenceID] {
			t.Errorf("sentence %d appears twice", q.SentenceID)
		}
		seen[q.SentenceID] = true
		if q.Cloze == "" || q.Answer == "" {
			t.Errorf("question %d missing cloze", q.SentenceID)
		}
	}
}

func TestTestBatchClampsTotal(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		addItem(t, conn, NewItem{
			Term:    fmt.Sprintf("字%d", i),
			Meaning: fmt.Sprintf("char %d", i),
			Example: fmt.Sprintf("字%dを書く。", i),
		})
	}

	// A request below the floor is raised to it.
	batch, err := svc.TestBatch(ctx, TestOptions{Total: 1})
	if err != nil {
		t.Fatalf("test batch: %v", err)
	}
	if len(batch) != 5 {
		t.Errorf("batch = %d questions, want the floor of 5", len(batch))
	}
}

func TestTestBatchOnlyMistake(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	missed := addItem(t, conn, NewItem{Term: "空", Meaning: "sky", Example: "空が青い。"})
	addItem(t, conn, NewItem{Term: "土", Meaning: "soil", Example: "土を掘る。"})

	var none sql.NullInt64
	if _, err := recordMistake(ctx, conn, missed, models.SourceTest, none, none); err != nil {
		t.Fatalf("seed mistake: %v", err)
	}

	batch, err := svc.TestBatch(ctx, TestOptions{Total: 10, OnlyMistake: true})
	if err != nil {
		t.Fatalf("test batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %d questions, want only the missed sentence", len(batch))
	}
	if batch[0].Term != "空" || batch[0].Category != "mistake" {
		t.Errorf("question = (%s, %s), want the missed item in the mistake pool", batch[0].Term, batch[0].Category)
	}
}

func TestTestBatchOnlyDueStillLeadsWithMistakes(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	missed := addItem(t, conn, NewItem{Term: "影", Meaning: "shadow", Example: "影が伸びる。"})
	for i := 0; i < 6; i++ {
		addItem(t, conn, NewItem{
			Term:    fmt.Sprintf("句%d", i),
			Meaning: fmt.Sprintf("phrase %d", i),
			Example: fmt.Sprintf("句%dを読む。", i),
		})
	}

	var none sql.NullInt64
	if _, err := recordMistake(ctx, conn, missed, models.SourceTest, none, none); err != nil {
		t.Fatalf("seed mistake: %v", err)
	}

	batch, err := svc.TestBatch(ctx, TestOptions{Total: 5, OnlyDue: true})
	if err != nil {
		t.Fatalf("test batch: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("batch = %d questions, want 5", len(batch))
	}
	if batch[0].Term != "影" || batch[0].Category != "mistake" {
		t.Errorf("batch head = (%s, %s), want the missed item from the mistake pool", batch[0].Term, batch[0].Category)
	}
	for _, q := range batch[1:] {
		if q.Category != "due" {
			t.Errorf("question %d category = %s, want due", q.SentenceID, q.Category)
		}
	}
}

func TestAnswerClozeWrongThenCorrect(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	itemID := addItem(t, conn, NewItem{Term: "花", Meaning: "flower", Example: "花が咲く。"})
	var sentenceID int64
	if err := conn.QueryRow(`SELECT id FROM sentences WHERE item_id = ?`, itemID).Scan(&sentenceID); err != nil {
		t.Fatalf("load sentence: %v", err)
	}

	in := AnswerInput{
		ItemID:     itemID,
		SentenceID: sentenceID,
		Prompt:     "____が咲く。",
		Expected:   "花",
		Response:   "草",
	}
	res, err := svc.AnswerCloze(ctx, in)
	if err != nil {
		t.Fatalf("answer wrong: %v", err)
	}
	if res.Correct {
		t.Fatal("wrong answer graded correct")
	}

	var mistakes, openErrors int
	conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ? AND source = 'sentence'`, itemID).Scan(&mistakes)
	conn.QueryRow(`SELECT COUNT(*) FROM errors WHERE item_id = ? AND source = 'C' AND resolved = 0`, itemID).Scan(&openErrors)
	if mistakes != 1 || openErrors != 1 {
		t.Errorf("after wrong: mistakes=%d openErrors=%d, want both 1", mistakes, openErrors)
	}

	// Comparison ignores case and surrounding space.
	in.Response = "  花 "
	res, err = svc.AnswerCloze(ctx, in)
	if err != nil {
		t.Fatalf("answer correct: %v", err)
	}
	if !res.Correct {
		t.Fatal("correct answer graded wrong")
	}

	conn.QueryRow(`SELECT COUNT(*) FROM mistakes WHERE item_id = ? AND source = 'sentence'`, itemID).Scan(&mistakes)
	conn.QueryRow(`SELECT COUNT(*) FROM errors WHERE item_id = ? AND source = 'C' AND resolved = 0`, itemID).Scan(&openErrors)
	if mistakes != 0 || openErrors != 0 {
		t.Errorf("after correct: mistakes=%d openErrors=%d, want both cleared", mistakes, openErrors)
	}

	var attempts int
	conn.QueryRow(`SELECT COUNT(*) FROM attempts WHERE sentence_id = ? AND source = 'sentence'`, sentenceID).Scan(&attempts)
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestAnswerWithEmptyExpectedIsWrong(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)

	res, err := svc.AnswerCloze(context.Background(), AnswerInput{Expected: "", Response: ""})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Correct {
		t.Error("empty expected answer graded correct")
	}
}

func TestTestLifecycle(t *testing.T) {
	conn := newTestDB(t)
	svc := NewPracticeService(conn)
	ctx := context.Background()

	testID, err := svc.GetOrCreateTest(ctx, "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	again, err := svc.GetOrCreateTest(ctx, "Mini Test")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again != testID {
		t.Errorf("got test %d, want existing %d", again, testID)
	}

	attemptID, err := svc.StartTestAttempt(ctx, testID)
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if err := svc.FinishTestAttempt(ctx, attemptID, 80, `{"total":5,"correct":4}`); err != nil {
		t.Fatalf("finish attempt: %v", err)
	}

	var score float64
	var detail sql.NullString
	if err := conn.QueryRow(`SELECT score, detail_json FROM test_attempts WHERE id = ?`, attemptID).Scan(&score, &detail); err != nil {
		t.Fatalf("reload attempt: %v", err)
	}
	if score != 80 || !detail.Valid {
		t.Errorf("attempt = (%v, %+v), want score 80 with detail", score, detail)
	}

	if err := svc.FinishTestAttempt(ctx, 9999, 0, ""); err == nil {
		t.Error("finishing a missing attempt did not fail")
	}
}
