package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"kotoba/internal/cloze"
	"kotoba/internal/models"
	"kotoba/internal/timeutil"
)

// ErrTestAttemptNotFound is returned when finishing an attempt id that does
// not exist.
var ErrTestAttemptNotFound = errors.New("test attempt not found")

// Mini-test sizing. A batch is clamped to [minBatch, maxBatch]; the mistake
// and due pools each contribute at most poolCap sentences unless the batch
// is restricted to a single pool.
const (
	minBatch = 5
	maxBatch = 30
	poolCap  = 8
)

// PracticeService builds the cloze and mini-test queues and grades answers
// from both fill-in modes. Queue reads backfill missing cloze texts into
// the sentences table; that write is best effort and never fails the read.
type PracticeService struct {
	db *sql.DB
}

func NewPracticeService(db *sql.DB) *PracticeService {
	return &PracticeService{db: db}
}

// ClozeFilter narrows the cloze queue the same way DueFilter narrows the
// due queue.
type ClozeFilter struct {
	Limit int
	Tag   string
	Level string
}

type clozeBackfill struct {
	sentenceID int64
	cloze      string
	answer     string
}

// ClozeQueue returns practice sentences, recently missed items first, then
// newest sentences. Sentences without a cached cloze get one generated and
// written back.
func (s *PracticeService) ClozeQueue(ctx context.Context, f ClozeFilter) ([]models.ClozeCard, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT s.id, s.sentence, s.cloze, s.answer,
			i.id, i.item_type, i.term, i.reading, i.meaning, i.tags,
			m.mistake_count, m.last_mistake_at
		FROM sentences s
		JOIN items i ON i.id = s.item_id
		LEFT JOIN mistakes m ON m.item_id = s.item_id AND m.source IN ('sentence', 'test')
		WHERE trim(s.sentence) <> ''`
	var params []any
	query, params = appendTagFilters(query, params, f.Tag, f.Level)
	query += ` ORDER BY (m.last_mistake_at IS NOT NULL) DESC, m.last_mistake_at DESC, s.id DESC`
	if strings.TrimSpace(f.Level) == "" {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query cloze queue: %w", err)
	}
	defer rows.Close()

	var (
		out       []models.ClozeCard
		backfills []clozeBackfill
	)
	for rows.Next() {
		var (
			cc           models.ClozeCard
			cached       sql.NullString
			cachedAnswer sql.NullString
		)
		if err := rows.Scan(&cc.SentenceID, &cc.Sentence, &cached, &cachedAnswer,
			&cc.ItemID, &cc.ItemType, &cc.Term, &cc.Reading, &cc.Meaning, &cc.Tags,
			&cc.MistakeCount, &cc.LastMistakeAt); err != nil {
			return nil, fmt.Errorf("scan cloze card: %w", err)
		}
		if !levelMatches(cc.Tags, f.Level) {
			continue
		}

		answer := strings.TrimSpace(cachedAnswer.String)
		if answer == "" {
			answer = cc.Term
		}
		built := cloze.Build(cc.Sentence, answer)
		if strings.TrimSpace(cached.String) == "" {
			cc.Cloze = built.Cloze
			cc.Answer = built.Answer
			backfills = append(backfills, clozeBackfill{cc.SentenceID, built.Cloze, built.Answer})
		} else {
			cc.Cloze = cached.String
			cc.Answer = answer
		}
		cc.ClozeFallback = built.UsedFallback
		cc.ClozeReason = built.Reason

		out = append(out, cc)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cloze queue: %w", err)
	}
	rows.Close()

	s.writeBackfills(ctx, backfills)
	return out, nil
}

// writeBackfills caches generated cloze texts. Failures are logged and
// swallowed; the queue that triggered them has already been served.
func (s *PracticeService) writeBackfills(ctx context.Context, backfills []clozeBackfill) {
	if len(backfills) == 0 {
		return
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("cloze backfill: begin transaction: %v", err)
		return
	}
	for _, b := range backfills {
		if _, err := tx.ExecContext(ctx, `UPDATE sentences SET cloze = ?, answer = ? WHERE id = ?`,
			b.cloze, b.answer, b.sentenceID); err != nil {
			log.Printf("cloze backfill: sentence %d: %v", b.sentenceID, err)
			tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("cloze backfill: commit: %v", err)
	}
}

// TestOptions shapes a mini-test batch. Total is clamped to [5, 30].
// OnlyMistake and OnlyDue restrict the batch to a single selection pool.
type TestOptions struct {
	Total       int
	OnlyMistake bool
	OnlyDue     bool
	Tag         string
	Level       string
}

// TestBatch assembles a mini-test: recently missed sentences first, then
// sentences of due cards, then the newest sentences, deduplicated by
// sentence in that priority order.
func (s *PracticeService) TestBatch(ctx context.Context, opts TestOptions) ([]models.Question, error) {
	total := opts.Total
	if total < minBatch {
		total = minBatch
	}
	if total > maxBatch {
		total = maxBatch
	}

	wantMistake := total
	if !opts.OnlyMistake {
		wantMistake = min(poolCap, total/3+2)
	}
	wantDue := total
	if !opts.OnlyDue {
		wantDue = min(poolCap, total/3+2)
	}
	wantNew := total * 2

	// The mistake pool leads every batch, even a due-only one; the
	// restriction flags only change how far the other pools reach.
	var pools [][]models.Question
	mistakes, err := s.fetchQuestions(ctx, `
		SELECT s.id, s.sentence, s.cloze, s.answer,
			i.id, i.item_type, i.term, i.reading, i.meaning, i.tags,
			NULL AS card_id
		FROM mistakes m
		JOIN sentences s ON s.item_id = m.item_id
		JOIN items i ON i.id = m.item_id
		WHERE m.source IN ('sentence', 'test', 'srs') AND trim(s.sentence) <> ''`,
		`ORDER BY m.last_mistake_at DESC`,
		nil, "mistake", opts.Tag, opts.Level, wantMistake)
	if err != nil {
		return nil, err
	}
	pools = append(pools, mistakes)
	if !opts.OnlyMistake {
		due, err := s.fetchQuestions(ctx, `
			SELECT s.id, s.sentence, s.cloze, s.answer,
				i.id, i.item_type, i.term, i.reading, i.meaning, i.tags,
				c.id AS card_id
			FROM cards c
			JOIN items i ON i.id = c.item_id
			JOIN sentences s ON s.item_id = c.item_id
			WHERE c.due_date <= ? AND trim(s.sentence) <> ''`,
			`ORDER BY c.due_date ASC, c.id ASC`,
			[]any{timeutil.Today()}, "due", opts.Tag, opts.Level, wantDue)
		if err != nil {
			return nil, err
		}
		pools = append(pools, due)
	}
	if !opts.OnlyMistake && !opts.OnlyDue {
		fresh, err := s.fetchQuestions(ctx, `
			SELECT s.id, s.sentence, s.cloze, s.answer,
				i.id, i.item_type, i.term, i.reading, i.meaning, i.tags,
				c.id AS card_id
			FROM sentences s
			JOIN items i ON i.id = s.item_id
			LEFT JOIN cards c ON c.item_id = s.item_id
			WHERE trim(s.sentence) <> ''`,
			`ORDER BY s.id DESC`,
			nil, "new", opts.Tag, opts.Level, wantNew)
		if err != nil {
			return nil, err
		}
		pools = append(pools, fresh)
	}

	var (
		out       []models.Question
		backfills []clozeBackfill
		seen      = make(map[int64]bool)
	)
	for _, pool := range pools {
		for _, q := range pool {
			if len(out) >= total {
				break
			}
			if seen[q.SentenceID] {
				continue
			}
			seen[q.SentenceID] = true

			answer := strings.TrimSpace(q.Answer)
			if answer == "" {
				answer = q.Term
			}
			if strings.TrimSpace(q.Cloze) == "" {
				built := cloze.Build(q.Sentence, answer)
				q.Cloze = built.Cloze
				q.Answer = built.Answer
				backfills = append(backfills, clozeBackfill{q.SentenceID, built.Cloze, built.Answer})
			} else {
				q.Answer = answer
			}
			out = append(out, q)
		}
	}

	s.writeBackfills(ctx, backfills)
	return out, nil
}

// fetchQuestions runs one selection-pool query. The cloze and answer come
// back raw; the caller resolves missing ones.
func (s *PracticeService) fetchQuestions(ctx context.Context, query, order string, params []any, category, tag, level string, limit int) ([]models.Question, error) {
	query, params = appendTagFilters(query, params, tag, level)
	query += " " + order
	if strings.TrimSpace(level) == "" {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s pool: %w", category, err)
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var (
			q              models.Question
			cached, answer sql.NullString
		)
		if err := rows.Scan(&q.SentenceID, &q.Sentence, &cached, &answer,
			&q.ItemID, &q.ItemType, &q.Term, &q.Reading, &q.Meaning, &q.Tags, &q.CardID); err != nil {
			return nil, fmt.Errorf("scan %s pool: %w", category, err)
		}
		if !levelMatches(q.Tags, level) {
			continue
		}
		q.Cloze = cached.String
		q.Answer = answer.String
		q.Category = category
		out = append(out, q)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// GetOrCreateTest finds the test template by title, creating it on first
// use.
func (s *PracticeService) GetOrCreateTest(ctx context.Context, title string) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Mini Test"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM tests WHERE title = ? LIMIT 1`, title).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("look up test %q: %w", title, err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO tests (title, created_at) VALUES (?, ?)`,
		title, timeutil.Now())
	if err != nil {
		return 0, fmt.Errorf("insert test %q: %w", title, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert test %q: %w", title, err)
	}
	return id, nil
}

// StartTestAttempt opens a run of the given test with a zero score.
func (s *PracticeService) StartTestAttempt(ctx context.Context, testID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO test_attempts (test_id, score, created_at) VALUES (?, 0, ?)`,
		testID, timeutil.Now())
	if err != nil {
		return 0, fmt.Errorf("insert test attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert test attempt: %w", err)
	}
	return id, nil
}

// FinishTestAttempt stores the final score and the per-question detail.
func (s *PracticeService) FinishTestAttempt(ctx context.Context, attemptID int64, score float64, detailJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE test_attempts SET score = ?, detail_json = ? WHERE id = ?`,
		score, nullIfEmpty(detailJSON), attemptID)
	if err != nil {
		return fmt.Errorf("finish test attempt %d: %w", attemptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish test attempt %d: %w", attemptID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish test attempt %d: %w", attemptID, ErrTestAttemptNotFound)
	}
	return nil
}

// AnswerInput is one graded response from a fill-in mode.
type AnswerInput struct {
	ItemID        int64
	SentenceID    int64
	CardID        sql.NullInt64
	TestID        sql.NullInt64
	TestAttemptID sql.NullInt64
	Prompt        string
	Expected      string
	Response      string
	DurationMS    sql.NullInt64
}

// AnswerResult reports how an answer was graded.
type AnswerResult struct {
	Correct   bool   `json:"correct"`
	Expected  string `json:"expected"`
	AttemptID int64  `json:"attempt_id"`
}

// AnswerCloze grades a cloze-practice answer and updates the ledgers: a
// wrong answer bumps the sentence mistake counter and logs an error entry,
// a correct one reduces the counter and resolves open cloze errors.
func (s *PracticeService) AnswerCloze(ctx context.Context, in AnswerInput) (AnswerResult, error) {
	return s.answer(ctx, in, models.SourceSentence, models.ErrorSourceCloze, "cloze_wrong")
}

// AnswerTestQuestion grades one mini-test answer, with the same ledger
// bookkeeping under the test source.
func (s *PracticeService) AnswerTestQuestion(ctx context.Context, in AnswerInput) (AnswerResult, error) {
	return s.answer(ctx, in, models.SourceTest, models.ErrorSourceTest, "test_wrong")
}

func (s *PracticeService) answer(ctx context.Context, in AnswerInput, source, errSource, errType string) (AnswerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AnswerResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	correct := answersMatch(in.Response, in.Expected)
	itemID := sql.NullInt64{Int64: in.ItemID, Valid: in.ItemID != 0}

	attemptID, err := recordAttempt(ctx, tx, models.Attempt{
		ItemID:        itemID,
		CardID:        in.CardID,
		SentenceID:    sql.NullInt64{Int64: in.SentenceID, Valid: in.SentenceID != 0},
		TestID:        in.TestID,
		TestAttemptID: in.TestAttemptID,
		Source:        source,
		Prompt:        in.Prompt,
		Response:      in.Response,
		Expected:      in.Expected,
		IsCorrect:     sql.NullBool{Bool: correct, Valid: true},
		DurationMS:    in.DurationMS,
	})
	if err != nil {
		return AnswerResult{}, err
	}

	if itemID.Valid {
		if correct {
			if _, err := resolveMistake(ctx, tx, in.ItemID, source, 1); err != nil {
				return AnswerResult{}, err
			}
			if _, err := resolveErrors(ctx, tx, in.ItemID, errSource); err != nil {
				return AnswerResult{}, err
			}
		} else {
			mistakeAttempt := sql.NullInt64{Int64: attemptID, Valid: true}
			if _, err := recordMistake(ctx, tx, in.ItemID, source, in.CardID, mistakeAttempt); err != nil {
				return AnswerResult{}, err
			}
			note := fmt.Sprintf("expected=%s; response=%s", strings.TrimSpace(in.Expected), strings.TrimSpace(in.Response))
			if _, err := recordError(ctx, tx, itemID, errSource, errType, note); err != nil {
				return AnswerResult{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return AnswerResult{}, fmt.Errorf("commit answer: %w", err)
	}
	return AnswerResult{Correct: correct, Expected: strings.TrimSpace(in.Expected), AttemptID: attemptID}, nil
}
