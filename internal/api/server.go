package api

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"kotoba/internal/importer"
	"kotoba/internal/models"
	"kotoba/internal/services"
	"kotoba/internal/srs"
	"kotoba/internal/timeutil"
)

const maxMultipartMemory = 8 << 20 // 8 MB

type Server struct {
	mux      *http.ServeMux
	items    *services.ItemService
	reviews  *services.ReviewService
	practice *services.PracticeService
	attempts *services.AttemptService
	ledger   *services.LedgerService
	importer *importer.Importer
	jobs     *JobManager

	importDir      string
	streakLookback int
}

func NewServer(
	items *services.ItemService,
	reviews *services.ReviewService,
	practice *services.PracticeService,
	attempts *services.AttemptService,
	ledger *services.LedgerService,
	imp *importer.Importer,
	importDir string,
	streakLookback int,
) *Server {
	s := &Server{
		mux:            http.NewServeMux(),
		items:          items,
		reviews:        reviews,
		practice:       practice,
		attempts:       attempts,
		ledger:         ledger,
		importer:       imp,
		jobs:           NewJobManager(),
		importDir:      importDir,
		streakLookback: streakLookback,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/review/queue", s.handleReviewQueue)
	s.mux.HandleFunc("/api/cards/", s.handleCardActions)
	s.mux.HandleFunc("/api/practice/cloze", s.handleClozeQueue)
	s.mux.HandleFunc("/api/practice/cloze/answer", s.handleClozeAnswer)
	s.mux.HandleFunc("/api/tests/start", s.handleTestStart)
	s.mux.HandleFunc("/api/tests/answer", s.handleTestAnswer)
	s.mux.HandleFunc("/api/tests/finish", s.handleTestFinish)
	s.mux.HandleFunc("/api/items", s.handleItems)
	s.mux.HandleFunc("/api/errors", s.handleErrors)
	s.mux.HandleFunc("/api/stats/today", s.handleStatsToday)
	s.mux.HandleFunc("/api/stats/timeseries", s.handleStatsTimeseries)
	s.mux.HandleFunc("/api/stats/streak", s.handleStatsStreak)
	s.mux.HandleFunc("/api/stats/levels", s.handleStatsLevels)
	s.mux.HandleFunc("/api/stats/overview", s.handleStatsOverview)
	s.mux.HandleFunc("/api/attempts/export", s.handleAttemptsExport)
	s.mux.HandleFunc("/api/imports", s.handleImportUpload)
	s.mux.HandleFunc("/api/imports/jobs", s.handleImportJobs)
	s.mux.HandleFunc("/api/imports/jobs/", s.handleImportJobStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	filter := services.DueFilter{
		Limit:     queryInt(r, "limit", 20),
		LeechOnly: r.URL.Query().Get("leech") == "1",
		Tag:       r.URL.Query().Get("tag"),
		Level:     r.URL.Query().Get("level"),
	}
	cards, err := s.reviews.DueCards(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := make([]map[string]any, 0, len(cards))
	for _, dc := range cards {
		payload = append(payload, dueCardJSON(dc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": payload})
}

func (s *Server) handleCardActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/cards/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "grade" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	cardID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid card id")
		return
	}

	var req struct {
		Grade string `json:"grade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	grade, err := srs.ParseGrade(req.Grade)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	card, err := s.reviews.GradeCard(r.Context(), cardID, grade)
	if err != nil {
		if errors.Is(err, services.ErrCardNotFound) {
			writeError(w, http.StatusNotFound, "card not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"card": map[string]any{
			"id":        card.ID,
			"itemId":    card.ItemID,
			"due":       card.DueDate,
			"interval":  card.IntervalDays,
			"ease":      card.Ease,
			"lapses":    card.Lapses,
			"lastGrade": nullString(card.LastGrade),
			"leech":     card.IsLeech,
		},
	})
}

func (s *Server) handleClozeQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	filter := services.ClozeFilter{
		Limit: queryInt(r, "limit", 20),
		Tag:   r.URL.Query().Get("tag"),
		Level: r.URL.Query().Get("level"),
	}
	queue, err := s.practice.ClozeQueue(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := make([]map[string]any, 0, len(queue))
	for _, cc := range queue {
		payload = append(payload, clozeCardJSON(cc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": payload})
}

type answerRequest struct {
	ItemID        int64  `json:"itemId"`
	SentenceID    int64  `json:"sentenceId"`
	CardID        int64  `json:"cardId"`
	TestID        int64  `json:"testId"`
	TestAttemptID int64  `json:"testAttemptId"`
	Prompt        string `json:"prompt"`
	Expected      string `json:"expected"`
	Response      string `json:"response"`
	DurationMS    int64  `json:"durationMs"`
}

func (req answerRequest) input() services.AnswerInput {
	return services.AnswerInput{
		ItemID:        req.ItemID,
		SentenceID:    req.SentenceID,
		CardID:        optionalID(req.CardID),
		TestID:        optionalID(req.TestID),
		TestAttemptID: optionalID(req.TestAttemptID),
		Prompt:        req.Prompt,
		Expected:      req.Expected,
		Response:      req.Response,
		DurationMS:    optionalID(req.DurationMS),
	}
}

func (s *Server) handleClozeAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.practice.AnswerCloze(r.Context(), req.input())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Title       string `json:"title"`
		Total       int    `json:"total"`
		OnlyMistake bool   `json:"onlyMistake"`
		OnlyDue     bool   `json:"onlyDue"`
		Tag         string `json:"tag"`
		Level       string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	testID, err := s.practice.GetOrCreateTest(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attemptID, err := s.practice.StartTestAttempt(r.Context(), testID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	batch, err := s.practice.TestBatch(r.Context(), services.TestOptions{
		Total:       req.Total,
		OnlyMistake: req.OnlyMistake,
		OnlyDue:     req.OnlyDue,
		Tag:         req.Tag,
		Level:       req.Level,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	questions := make([]map[string]any, 0, len(batch))
	for _, q := range batch {
		questions = append(questions, questionJSON(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"testId":    testID,
		"attemptId": attemptID,
		"questions": questions,
	})
}

func (s *Server) handleTestAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.practice.AnswerTestQuestion(r.Context(), req.input())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		AttemptID int64           `json:"attemptId"`
		Score     float64         `json:"score"`
		Detail    json.RawMessage `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.practice.FinishTestAttempt(r.Context(), req.AttemptID, req.Score, string(req.Detail))
	if err != nil {
		if errors.Is(err, services.ErrTestAttemptNotFound) {
			writeError(w, http.StatusNotFound, "test attempt not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.items.RecentItems(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		count, err := s.items.CountItems(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, it := range items {
			payload = append(payload, itemJSON(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": payload, "total": count})
	case http.MethodPost:
		var req struct {
			Type    string `json:"type"`
			Term    string `json:"term"`
			Reading string `json:"reading"`
			Meaning string `json:"meaning"`
			Example string `json:"example"`
			Tags    string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		itemType := models.ItemType(req.Type)
		if req.Type == "" {
			itemType = models.ItemVocab
		}
		if !models.ValidItemType(itemType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid item type %q", req.Type))
			return
		}
		id, created, err := s.items.CreateItemWithCard(r.Context(), services.NewItem{
			Type:    itemType,
			Term:    req.Term,
			Reading: req.Reading,
			Meaning: req.Meaning,
			Example: req.Example,
			Tags:    req.Tags,
		})
		if err != nil {
			if errors.Is(err, services.ErrMissingRequired) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"itemId": id, "created": created})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	open, err := s.ledger.UnresolvedErrors(r.Context(), r.URL.Query().Get("source"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(open))
	for _, e := range open {
		payload = append(payload, map[string]any{
			"id":        e.ID,
			"itemId":    nullInt(e.ItemID),
			"source":    e.Source,
			"errorType": e.ErrorType,
			"note":      e.Note,
			"createdAt": e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": payload})
}

func (s *Server) handleStatsToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = timeutil.Today()
	}

	reviews, err := s.attempts.ReviewStats(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	activity, err := s.attempts.AttemptStats(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reviews":  reviews,
		"activity": activity,
	})
}

func (s *Server) handleStatsTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	days, err := s.attempts.Timeseries(r.Context(), queryInt(r, "days", 14))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

func (s *Server) handleStatsStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	streak, err := s.attempts.Streak(r.Context(), s.streakLookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"streak": streak})
}

func (s *Server) handleStatsLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	counts, err := s.attempts.LevelBreakdown(r.Context(), r.URL.Query().Get("due") == "1")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": counts})
}

func (s *Server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	dueCount, err := s.reviews.CountDueCards(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	leechDue, err := s.attempts.LeechDueCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	itemCount, err := s.items.CountItems(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	streak, err := s.attempts.Streak(r.Context(), s.streakLookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dueCount":      dueCount,
		"leechDueCount": leechDue,
		"itemCount":     itemCount,
		"streak":        streak,
	})
}

func (s *Server) handleAttemptsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	var sources []string
	if raw := r.URL.Query().Get("sources"); raw != "" {
		for _, src := range strings.Split(raw, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
	}
	rows, err := s.attempts.AttemptsForExport(r.Context(), sources,
		queryInt(r, "days", 30), queryInt(r, "limit", 2000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="attempts.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "item_id", "source", "prompt", "response", "expected", "is_correct", "created_at"})
	for _, a := range rows {
		correct := ""
		if a.IsCorrect.Valid {
			correct = strconv.FormatBool(a.IsCorrect.Bool)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(a.ID, 10),
			formatNullInt(a.ItemID),
			a.Source,
			a.Prompt,
			a.Response,
			a.Expected,
			correct,
			a.CreatedAt,
		})
	}
	cw.Flush()
}

func (s *Server) handleImportUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".csv" && ext != ".xlsx" && ext != ".xlsm" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", ext))
		return
	}

	dest := filepath.Join(s.importDir, uuid.NewString()+ext)
	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store upload: "+err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dest)
		writeError(w, http.StatusInternalServerError, "store upload: "+err.Error())
		return
	}
	out.Close()

	level := r.FormValue("level")
	sheet := r.FormValue("sheet")
	jobID, job := s.jobs.CreateJob(header.Filename, level)

	go func() {
		defer os.Remove(dest)
		s.jobs.MarkProcessing(jobID)
		result, err := s.importer.ImportFile(context.Background(), importer.Options{
			Path:  dest,
			Sheet: sheet,
			Level: level,
		})
		if err != nil {
			log.Printf("import job %s: %v", jobID, err)
			s.jobs.MarkFailed(jobID, err.Error())
			return
		}
		s.jobs.MarkComplete(jobID, result)
	}()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleImportJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.ListJobs()})
}

func (s *Server) handleImportJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/imports/jobs/")
	job, ok := s.jobs.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func dueCardJSON(dc models.DueCard) map[string]any {
	return map[string]any{
		"cardId":   dc.ID,
		"itemId":   dc.ItemID,
		"due":      dc.DueDate,
		"interval": dc.IntervalDays,
		"ease":     dc.Ease,
		"lapses":   dc.Lapses,
		"leech":    dc.IsLeech,
		"itemType": dc.ItemType,
		"term":     dc.Term,
		"reading":  nullString(dc.Reading),
		"meaning":  dc.Meaning,
		"example":  nullString(dc.Example),
		"tags":     nullString(dc.Tags),
	}
}

func clozeCardJSON(cc models.ClozeCard) map[string]any {
	return map[string]any{
		"sentenceId":    cc.SentenceID,
		"sentence":      cc.Sentence,
		"cloze":         cc.Cloze,
		"answer":        cc.Answer,
		"itemId":        cc.ItemID,
		"itemType":      cc.ItemType,
		"term":          cc.Term,
		"reading":       nullString(cc.Reading),
		"meaning":       cc.Meaning,
		"tags":          nullString(cc.Tags),
		"mistakeCount":  nullInt(cc.MistakeCount),
		"lastMistakeAt": nullString(cc.LastMistakeAt),
		"fallback":      cc.ClozeFallback,
		"reason":        cc.ClozeReason,
	}
}

func questionJSON(q models.Question) map[string]any {
	return map[string]any{
		"sentenceId": q.SentenceID,
		"sentence":   q.Sentence,
		"cloze":      q.Cloze,
		"answer":     q.Answer,
		"itemId":     q.ItemID,
		"itemType":   q.ItemType,
		"term":       q.Term,
		"reading":    nullString(q.Reading),
		"meaning":    q.Meaning,
		"tags":       nullString(q.Tags),
		"cardId":     nullInt(q.CardID),
		"category":   q.Category,
	}
}

func itemJSON(it models.Item) map[string]any {
	return map[string]any{
		"id":        it.ID,
		"type":      it.Type,
		"term":      it.Term,
		"reading":   nullString(it.Reading),
		"meaning":   it.Meaning,
		"example":   nullString(it.Example),
		"tags":      nullString(it.Tags),
		"createdAt": it.CreatedAt,
	}
}

func optionalID(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v sql.NullString) *string {
	if v.Valid {
		str := v.String
		return &str
	}
	return nil
}

func nullInt(v sql.NullInt64) *int64 {
	if v.Valid {
		n := v.Int64
		return &n
	}
	return nil
}

func formatNullInt(v sql.NullInt64) string {
	if v.Valid {
		return strconv.FormatInt(v.Int64, 10)
	}
	return ""
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
