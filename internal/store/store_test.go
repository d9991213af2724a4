package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/chatlens/chatlens/internal/analyze"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func goodResult(id string) *analyze.Result {
	return &analyze.Result{
		ChatID: id,
		Agent:  "Maria",
		Tags:   []string{"pricing"},
		Analysis: &analyze.Analysis{
			CX: map[string]any{
				"sentiment":            "positive",
				"humanization_score":   float64(4),
				"nps_prediction":       float64(9),
				"resolution_status":    "resolved",
				"personalization_used": true,
				"satisfaction_comment": "quick answers",
			},
			Product: map[string]any{
				"products_mentioned": []any{"ultrasound x200"},
				"category":           "imaging",
				"interest_level":     "high",
				"budget_mentioned":   true,
				"trends":             []any{"portability"},
			},
			Sales: map[string]any{
				"funnel_stage":     "negotiation",
				"outcome":          "in_progress",
				"lead_type":        "clinic",
				"rejection_reason": nil,
				"next_step":        "send quote",
				"urgency":          "medium",
			},
			QA: map[string]any{
				"script_adherence":      true,
				"questions_asked":       []any{"location"},
				"questions_missing":     []any{"specialty"},
				"response_time_quality": "fast",
				"improvement_areas":     []any{},
				"overall_score":         float64(4),
			},
		},
		Timestamp:    time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC),
		ProcessingMS: 1200,
		ModelVersion: "gemini-2.5-flash",
	}
}

func week() (time.Time, time.Time) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 6)
}

func TestSaveResultsContinuesPastFailedChunk(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	g := NewGateway(db, false, testLog())

	results := make([]*analyze.Result, 1200)
	for i := range results {
		results[i] = goodResult(fmt.Sprintf("chat-%04d", i))
	}

	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnResult(sqlmock.NewResult(0, 500))
	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnResult(sqlmock.NewResult(0, 200))

	start, end := week()
	inserted, err := g.SaveResults(context.Background(), results, start, end, 500)
	if err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	if inserted != 700 {
		t.Errorf("inserted = %d, want 700", inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveResultsLogsFailedChunkMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	logger, hook := logtest.NewNullLogger()
	g := NewGateway(db, false, logrus.NewEntry(logger))

	results := []*analyze.Result{
		goodResult("chat-a"),
		goodResult("chat-b"),
		goodResult("chat-c"),
	}

	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnError(errors.New("connection reset"))

	start, end := week()
	inserted, err := g.SaveResults(context.Background(), results, start, end, 2)
	if err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}

	var logged string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			logged, _ = entry.Data["chat_ids"].(string)
		}
	}
	if logged != "chat-c" {
		t.Errorf("failed chunk membership = %q, want %q", logged, "chat-c")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveResultsSkipsErrorResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	g := NewGateway(db, false, testLog())

	results := []*analyze.Result{
		goodResult("chat-1"),
		{ChatID: "chat-2", Error: "model unavailable"},
	}

	mock.ExpectExec("INSERT INTO analysis_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	start, end := week()
	inserted, err := g.SaveResults(context.Background(), results, start, end, 500)
	if err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRebindPostgres(t *testing.T) {
	g := &Gateway{postgres: true}
	got := g.rebind("INSERT INTO t (a, b) VALUES (?, ?), (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2), ($3, $4)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	g.postgres = false
	if q := g.rebind("SELECT ?"); q != "SELECT ?" {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, err := Open("sqlite", filepath.Join(t.TempDir(), "results.db"), testLog())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if err := g.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	results := []*analyze.Result{
		goodResult("chat-a"),
		goodResult("chat-b"),
		{ChatID: "chat-c", Error: "empty transcript"},
	}
	start, end := week()
	inserted, err := g.SaveResults(ctx, results, start, end, 500)
	if err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}

	ids, err := g.AnalyzedIDs(ctx, start)
	if err != nil {
		t.Fatalf("AnalyzedIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("analyzed ids = %d, want 2", len(ids))
	}
	if _, ok := ids["chat-a"]; !ok {
		t.Error("chat-a missing from analyzed ids")
	}
	if _, ok := ids["chat-c"]; ok {
		t.Error("failed chat-c should not be stored")
	}

	weeks, err := g.AvailableWeeks(ctx)
	if err != nil {
		t.Fatalf("AvailableWeeks: %v", err)
	}
	if len(weeks) != 1 || weeks[0] != "2025-03-10" {
		t.Errorf("weeks = %v, want [2025-03-10]", weeks)
	}

	records, err := g.LoadWeek(ctx, start)
	if err != nil {
		t.Fatalf("LoadWeek: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	rec := records[0]
	if rec["cx_sentiment"] != "positive" {
		t.Errorf("cx_sentiment = %v", rec["cx_sentiment"])
	}
	if rec["sales_outcome"] != "in_progress" {
		t.Errorf("sales_outcome = %v", rec["sales_outcome"])
	}
	if rec["product_names"] != `["ultrasound x200"]` {
		t.Errorf("product_names = %v", rec["product_names"])
	}
	if rec["week_end"] != "2025-03-16" {
		t.Errorf("week_end = %v", rec["week_end"])
	}
}
