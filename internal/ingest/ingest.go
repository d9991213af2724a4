// Package ingest loads conversations from the supported sources: a
// JSON export file, the warehouse chats table, or a live drop
// directory watched for new exports.
package ingest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/model"
)

// LoadFile reads a JSON array of conversations. Entries that fail to
// parse are skipped and counted, the rest load normally.
func LoadFile(path string, log *logrus.Entry) ([]*model.Chat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", path, err)
	}

	chats := make([]*model.Chat, 0, len(entries))
	skipped := 0
	for i, entry := range entries {
		chat, err := model.ParseChat(entry)
		if err != nil {
			skipped++
			log.WithError(err).Warnf("skipping entry %d", i)
			continue
		}
		chats = append(chats, chat)
	}
	if skipped > 0 {
		log.Warnf("loaded %d chats from %s, skipped %d unparseable entries", len(chats), path, skipped)
	}
	return chats, nil
}

// ParseExport parses a single export payload (one chat object or an
// array of them). Used by the live watcher, which receives both
// shapes.
func ParseExport(data []byte, log *logrus.Entry) []*model.Chat {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		entries = []json.RawMessage{data}
	}

	var chats []*model.Chat
	for _, entry := range entries {
		chat, err := model.ParseChat(entry)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable chat")
			continue
		}
		chats = append(chats, chat)
	}
	return chats
}
