package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/model"
)

// warehouse columns mapped to the conversation JSON shape. Nested
// fields arrive as JSON-encoded strings; the model unmarshaller
// handles both forms.
var warehouseColumns = []string{
	"id", "number", "channel", "status", "contact", "agent",
	"messages", "closed", "tags",
	"first_message_date", "last_message_date", "messages_count",
	"waiting_time", "with_bot",
}

var warehouseKeys = []string{
	"id", "number", "channel", "status", "contact", "agent",
	"messages", "closed", "tags",
	"firstMessageDate", "lastMessageDate", "messagesCount",
	"waitingTime", "withBot",
}

// Warehouse reads conversations from the analytics chats table.
type Warehouse struct {
	db    *sql.DB
	table string
	log   *logrus.Entry
	now   func() time.Time
}

func NewWarehouse(db *sql.DB, table string, log *logrus.Entry) *Warehouse {
	return &Warehouse{db: db, table: table, log: log, now: time.Now}
}

// Load fetches chats whose last activity falls within the trailing
// days window, newest first, capped at limit when limit > 0.
// Lightweight mode skips message bodies; the resulting chats carry
// empty transcripts and serve metadata-only queries.
func (w *Warehouse) Load(ctx context.Context, days, limit int, lightweight bool) ([]*model.Chat, error) {
	cols := make([]string, len(warehouseColumns))
	copy(cols, warehouseColumns)
	if lightweight {
		for i, c := range cols {
			if c == "messages" {
				cols[i] = "'[]' AS messages"
			}
		}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE last_message_date >= $1 ORDER BY last_message_date DESC",
		strings.Join(cols, ", "), w.table)
	args := []any{w.now().UTC().AddDate(0, 0, -days)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []*model.Chat
	skipped := 0
	for rows.Next() {
		values := make([]any, len(warehouseKeys))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}

		record := make(map[string]any, len(warehouseKeys))
		for i, key := range warehouseKeys {
			v := values[i]
			if v == nil {
				continue
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if t, ok := v.(time.Time); ok {
				v = t.UTC().Format(time.RFC3339Nano)
			}
			record[key] = v
		}

		// Round-trip through JSON so the flexible chat decoder
		// applies the same rules as the file path.
		payload, err := json.Marshal(record)
		if err != nil {
			skipped++
			continue
		}
		chat, err := model.ParseChat(payload)
		if err != nil {
			skipped++
			w.log.WithError(err).Warnf("skipping chat %v", record["id"])
			continue
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	if skipped > 0 {
		w.log.Warnf("loaded %d chats from warehouse, skipped %d", len(chats), skipped)
	}
	return chats, nil
}
