package models

import (
	"database/sql"
)

type ItemType string

const (
	ItemVocab   ItemType = "vocab"
	ItemKanji   ItemType = "kanji"
	ItemGrammar ItemType = "grammar"
)

// ValidItemType reports whether t is one of the three learnable unit types.
func ValidItemType(t ItemType) bool {
	switch t {
	case ItemVocab, ItemKanji, ItemGrammar:
		return true
	}
	return false
}

// Attempt sources. Every answered prompt is tagged with the practice mode
// that produced it.
const (
	SourceSRS      = "srs"
	SourceSentence = "sentence"
	SourceTest     = "test"
	SourceQuiz     = "quiz"
	SourceManual   = "manual"
)

// Error-log practice categories. The post-mortem error log only covers the
// two user-facing fill-in modes.
const (
	ErrorSourceCloze = "C"
	ErrorSourceTest  = "D"
)

type SentenceKind string

const (
	SentenceExample SentenceKind = "example"
	SentenceUser    SentenceKind = "user"
)

// Item is one learnable unit (vocabulary word, kanji, or grammar point).
type Item struct {
	ID        int64
	Type      ItemType
	Term      string
	Reading   sql.NullString
	Meaning   string
	Example   sql.NullString
	Tags      sql.NullString
	CreatedAt string
}

// Card is the spaced-repetition scheduling record of an Item. Exactly one
// per item; mutated only by grading.
type Card struct {
	ID           int64
	ItemID       int64
	DueDate      string
	IntervalDays int
	Ease         float64
	Lapses       int
	LastGrade    sql.NullString
	IsLeech      bool
	CreatedAt    string
	UpdatedAt    string
}

// DueCard is a card joined with its item fields, as surfaced by the due
// queue.
type DueCard struct {
	Card
	ItemType ItemType
	Term     string
	Reading  sql.NullString
	Meaning  string
	Example  sql.NullString
	Tags     sql.NullString
}

// Sentence is an example or user-added practice sentence. Cloze and answer
// are computed lazily on first queue read and cached.
type Sentence struct {
	ID        int64
	ItemID    sql.NullInt64
	Sentence  string
	Cloze     sql.NullString
	Answer    sql.NullString
	Kind      SentenceKind
	CreatedAt string
}

// Attempt is one answered prompt from any practice mode. Append-only; the
// ground truth for all aggregate statistics.
type Attempt struct {
	ID            int64
	ItemID        sql.NullInt64
	CardID        sql.NullInt64
	SentenceID    sql.NullInt64
	TestID        sql.NullInt64
	TestAttemptID sql.NullInt64
	Source        string
	Prompt        string
	Response      string
	Expected      string
	IsCorrect     sql.NullBool
	Score         sql.NullFloat64
	DurationMS    sql.NullInt64
	CreatedAt     string
}

// Mistake is the aggregated failure counter, unique per (item, source).
type Mistake struct {
	ID            int64
	ItemID        int64
	CardID        sql.NullInt64
	Source        string
	MistakeCount  int
	LastMistakeAt string
	LastAttemptID sql.NullInt64
}

// ErrorLog is a post-mortem entry for a wrong answer in cloze or mini-test
// practice. Never deleted; marked resolved on a later correct answer.
type ErrorLog struct {
	ID        int64
	ItemID    sql.NullInt64
	Source    string
	ErrorType string
	Note      string
	CreatedAt string
	Resolved  bool
}

// Test is a named mini-test template; TestAttempt is one run of it.
type Test struct {
	ID        int64
	Title     string
	CreatedAt string
}

type TestAttempt struct {
	ID         int64
	TestID     sql.NullInt64
	Score      float64
	DetailJSON sql.NullString
	CreatedAt  string
}

// ReviewLog is one raw SRS grading event.
type ReviewLog struct {
	ID        int64
	CardID    int64
	Grade     string
	IsCorrect bool
	CreatedAt string
}

// ClozeCard is one row of the cloze-practice queue: a sentence with its
// cloze/answer, item context, and the mistake standing that ordered it.
type ClozeCard struct {
	SentenceID    int64
	Sentence      string
	Cloze         string
	Answer        string
	ItemID        int64
	ItemType      ItemType
	Term          string
	Reading       sql.NullString
	Meaning       string
	Tags          sql.NullString
	MistakeCount  sql.NullInt64
	LastMistakeAt sql.NullString
	ClozeFallback bool
	ClozeReason   string
}

// Question is one mini-test entry. Category records which selection pool the
// sentence was first pulled from: "mistake", "due", or "new".
type Question struct {
	SentenceID int64
	Sentence   string
	Cloze      string
	Answer     string
	ItemID     int64
	ItemType   ItemType
	Term       string
	Reading    sql.NullString
	Meaning    string
	Tags       sql.NullString
	CardID     sql.NullInt64
	Category   string
}
