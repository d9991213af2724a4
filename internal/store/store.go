// Package store persists flattened analysis results and answers the
// dedup and reporting queries. It speaks two dialects: a local sqlite
// file for single-operator setups and postgres for the shared
// warehouse.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/chatlens/chatlens/internal/analyze"
)

//go:embed schema.sql
var schemaSQL string

// DefaultChunkSize bounds how many rows go into one INSERT.
const DefaultChunkSize = 500

const dateFormat = "2006-01-02"

// Gateway wraps the results table for one database connection.
type Gateway struct {
	db       *sql.DB
	postgres bool
	log      *logrus.Entry
}

// Open connects to the configured database. driver is "sqlite" (dsn is
// a file path) or "postgres" (dsn is a connection URL).
func Open(driver, dsn string, log *logrus.Entry) (*Gateway, error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// Pragmas for performance + concurrency.
		// WAL allows concurrent readers while a writer is active.
		// busy_timeout reduces SQLITE_BUSY errors under contention.
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
		_, _ = db.Exec("PRAGMA busy_timeout = 5000")
		return &Gateway{db: db, log: log}, nil
	case "postgres":
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Gateway{db: db, postgres: true, log: log}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// NewGateway wraps an existing connection. Used by tests and by the
// warehouse ingest path which shares its pool.
func NewGateway(db *sql.DB, postgres bool, log *logrus.Entry) *Gateway {
	return &Gateway{db: db, postgres: postgres, log: log}
}

// Init creates the results table and indexes if missing. Statements
// run one at a time; postgres rejects multi-statement Exec.
func (g *Gateway) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// rebind converts ?-style placeholders to $n for postgres.
func (g *Gateway) rebind(query string) string {
	if !g.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
		} else {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}

// resultColumns is the insert column order; buildRow must match.
var resultColumns = []string{
	"chat_id", "week_start", "week_end", "analyzed_at", "agent_name", "tags",
	"cx_sentiment", "cx_humanization_score", "cx_nps_prediction",
	"cx_resolution_status", "cx_personalization_used", "cx_satisfaction_comment",
	"product_names", "product_category", "product_interest_level",
	"product_budget_mentioned", "product_trends",
	"sales_funnel_stage", "sales_outcome", "sales_lead_type",
	"sales_rejection_reason", "sales_next_step", "sales_urgency",
	"qa_script_adherence", "qa_questions_asked", "qa_questions_missing",
	"qa_response_time_quality", "qa_improvement_areas", "qa_overall_score",
	"processing_time_ms", "model_version",
}

func aspectOrEmpty(a *analyze.Analysis, name string) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	if m := a.Aspect(name); m != nil {
		return m
	}
	return map[string]any{}
}

func jsonList(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

// buildRow flattens one result into insert values, in resultColumns
// order.
func buildRow(r *analyze.Result, weekStart, weekEnd time.Time) []any {
	cx := aspectOrEmpty(r.Analysis, analyze.AspectCX)
	product := aspectOrEmpty(r.Analysis, analyze.AspectProduct)
	sales := aspectOrEmpty(r.Analysis, analyze.AspectSales)
	qa := aspectOrEmpty(r.Analysis, analyze.AspectQA)

	return []any{
		r.ChatID,
		weekStart.UTC().Format(dateFormat),
		weekEnd.UTC().Format(dateFormat),
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Agent,
		jsonList(r.Tags),

		cx["sentiment"],
		cx["humanization_score"],
		cx["nps_prediction"],
		cx["resolution_status"],
		cx["personalization_used"],
		cx["satisfaction_comment"],

		jsonList(product["products_mentioned"]),
		product["category"],
		product["interest_level"],
		product["budget_mentioned"],
		jsonList(product["trends"]),

		sales["funnel_stage"],
		sales["outcome"],
		sales["lead_type"],
		sales["rejection_reason"],
		sales["next_step"],
		sales["urgency"],

		qa["script_adherence"],
		jsonList(qa["questions_asked"]),
		jsonList(qa["questions_missing"]),
		qa["response_time_quality"],
		jsonList(qa["improvement_areas"]),
		qa["overall_score"],

		r.ProcessingMS,
		r.ModelVersion,
	}
}

// SaveResults writes results for one analysis week in chunks of
// chunkSize rows. Error results are skipped up front. A chunk that
// fails to insert is logged and dropped; later chunks still run, and
// only successfully inserted rows count toward the returned total.
func (g *Gateway) SaveResults(ctx context.Context, results []*analyze.Result, weekStart, weekEnd time.Time, chunkSize int) (int, error) {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		if r.Failed() {
			continue
		}
		rows = append(rows, buildRow(r, weekStart, weekEnd))
	}
	if len(rows) == 0 {
		g.log.Info("no valid results to save")
		return 0, nil
	}

	totalChunks := (len(rows) + chunkSize - 1) / chunkSize
	g.log.Infof("saving %d results in %d chunks of up to %d rows", len(rows), totalChunks, chunkSize)

	inserted := 0
	for i := 0; i < len(rows); i += chunkSize {
		end := i + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]
		chunkNum := i/chunkSize + 1

		if err := g.insertChunk(ctx, chunk); err != nil {
			// Membership goes in the log so a dropped chunk can be
			// replayed by chat id.
			ids := make([]string, len(chunk))
			for j, row := range chunk {
				ids[j], _ = row[0].(string)
			}
			g.log.WithError(err).WithField("chat_ids", strings.Join(ids, ",")).
				Errorf("chunk %d/%d failed (%d rows dropped)", chunkNum, totalChunks, len(chunk))
			continue
		}
		inserted += len(chunk)
		g.log.Infof("chunk %d/%d inserted (%d rows)", chunkNum, totalChunks, len(chunk))
	}
	return inserted, nil
}

func (g *Gateway) insertChunk(ctx context.Context, chunk [][]any) error {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(resultColumns)), ",") + ")"
	groups := make([]string, len(chunk))
	args := make([]any, 0, len(chunk)*len(resultColumns))
	for i, row := range chunk {
		groups[i] = placeholder
		args = append(args, row...)
	}

	query := fmt.Sprintf("INSERT INTO analysis_results (%s) VALUES %s",
		strings.Join(resultColumns, ", "), strings.Join(groups, ", "))
	_, err := g.db.ExecContext(ctx, g.rebind(query), args...)
	return err
}

// AnalyzedIDs returns the chat ids already stored for a week, used to
// skip re-analysis on resume.
func (g *Gateway) AnalyzedIDs(ctx context.Context, weekStart time.Time) (map[string]struct{}, error) {
	query := g.rebind("SELECT DISTINCT chat_id FROM analysis_results WHERE week_start = ?")
	rows, err := g.db.QueryContext(ctx, query, weekStart.UTC().Format(dateFormat))
	if err != nil {
		return nil, fmt.Errorf("query analyzed ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// AvailableWeeks lists the stored week starts, newest first.
func (g *Gateway) AvailableWeeks(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT DISTINCT week_start FROM analysis_results ORDER BY week_start DESC")
	if err != nil {
		return nil, fmt.Errorf("query weeks: %w", err)
	}
	defer rows.Close()

	var weeks []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan week: %w", err)
		}
		weeks = append(weeks, w)
	}
	return weeks, rows.Err()
}

// LoadWeek returns one week's stored rows as generic records keyed by
// column name, the shape the report aggregator consumes.
func (g *Gateway) LoadWeek(ctx context.Context, weekStart time.Time) ([]map[string]any, error) {
	query := g.rebind("SELECT " + strings.Join(resultColumns, ", ") +
		" FROM analysis_results WHERE week_start = ? ORDER BY analyzed_at")
	rows, err := g.db.QueryContext(ctx, query, weekStart.UTC().Format(dateFormat))
	if err != nil {
		return nil, fmt.Errorf("query week: %w", err)
	}
	defer rows.Close()

	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(resultColumns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		record := make(map[string]any, len(resultColumns))
		for i, col := range resultColumns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
