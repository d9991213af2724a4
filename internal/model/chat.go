// Package model defines the conversation data structures shared by the
// ingest, metrics, and analysis layers. Warehouse exports frequently
// carry nested objects as JSON-encoded strings, so unmarshalling here is
// deliberately tolerant of both shapes.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SenderType classifies who sent a message.
type SenderType string

const (
	SenderAgent   SenderType = "agent"
	SenderContact SenderType = "contact"
	SenderBot     SenderType = "bot"
)

// Organization is the company a contact belongs to.
type Organization struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Contact is the customer side of a conversation.
type Contact struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Email        string         `json:"email,omitempty"`
	Organization *Organization  `json:"organization,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
}

// Agent is a support agent.
type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// MessageSender identifies who sent a single message.
type MessageSender struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Email string     `json:"email,omitempty"`
	Type  SenderType `json:"type,omitempty"`
}

// Message is a single message within a conversation.
type Message struct {
	ID     string         `json:"id"`
	Body   string         `json:"body"`
	Time   Timestamp      `json:"time"`
	ReadAt *Timestamp     `json:"readAt,omitempty"`
	SentBy *MessageSender `json:"sentBy,omitempty"`
	Type   string         `json:"type"`
	ChatID string         `json:"chatId,omitempty"`
}

// FromAgent reports whether the message was sent by a human agent.
func (m *Message) FromAgent() bool {
	return m.SentBy != nil && m.SentBy.Type == SenderAgent
}

// FromBot reports whether the message was sent by an automation.
func (m *Message) FromBot() bool {
	return m.SentBy != nil && m.SentBy.Type == SenderBot
}

// ClosedInfo records when and by whom a conversation was closed.
type ClosedInfo struct {
	ClosedAt Timestamp `json:"closedAt"`
	ClosedBy *Agent    `json:"closedBy,omitempty"`
}

// Tag is a label applied to a conversation.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Chat is a complete conversation.
type Chat struct {
	ID              string      `json:"id"`
	Number          string      `json:"number,omitempty"`
	Channel         string      `json:"channel,omitempty"`
	Status          string      `json:"status,omitempty"`
	Contact         Contact     `json:"contact"`
	Agent           *Agent      `json:"agent,omitempty"`
	Messages        []Message   `json:"messages"`
	Closed          *ClosedInfo `json:"closed,omitempty"`
	Tags            []Tag       `json:"tags,omitempty"`
	FirstMessageAt  *Timestamp  `json:"firstMessageDate,omitempty"`
	LastMessageAt   *Timestamp  `json:"lastMessageDate,omitempty"`
	MessagesCount   int         `json:"messagesCount,omitempty"`
	WaitingTime     *int        `json:"waitingTime,omitempty"`
	WithBot         string      `json:"withBot,omitempty"`
	PriorAssistNote string      `json:"octavia_analysis,omitempty"`
}

// chatAlias avoids recursion in UnmarshalJSON while keeping the field
// set in one place.
type chatAlias struct {
	ID              string          `json:"id"`
	Number          json.RawMessage `json:"number"`
	Channel         string          `json:"channel"`
	Status          string          `json:"status"`
	Contact         json.RawMessage `json:"contact"`
	Agent           json.RawMessage `json:"agent"`
	Messages        json.RawMessage `json:"messages"`
	Closed          json.RawMessage `json:"closed"`
	Tags            json.RawMessage `json:"tags"`
	FirstMessageAt  *Timestamp      `json:"firstMessageDate"`
	LastMessageAt   *Timestamp      `json:"lastMessageDate"`
	MessagesCount   int             `json:"messagesCount"`
	WaitingTime     *int            `json:"waitingTime"`
	WithBot         string          `json:"withBot"`
	PriorAssistNote string          `json:"octavia_analysis"`
}

// UnmarshalJSON accepts warehouse rows where contact, agent, messages,
// closed, and tags arrive either as objects or as JSON-encoded strings.
// Optional fields that fail to decode are dropped; required fields
// (contact, messages) fail the whole chat.
func (c *Chat) UnmarshalJSON(data []byte) error {
	var aux chatAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.ID = aux.ID
	c.Channel = aux.Channel
	c.Status = aux.Status
	c.FirstMessageAt = aux.FirstMessageAt
	c.LastMessageAt = aux.LastMessageAt
	c.MessagesCount = aux.MessagesCount
	c.WaitingTime = aux.WaitingTime
	c.WithBot = aux.WithBot
	c.PriorAssistNote = aux.PriorAssistNote

	if len(aux.Number) > 0 {
		var s string
		if err := json.Unmarshal(aux.Number, &s); err == nil {
			c.Number = s
		} else {
			var n json.Number
			if err := json.Unmarshal(aux.Number, &n); err == nil {
				c.Number = n.String()
			}
		}
	}

	if err := decodeRequired(aux.Contact, &c.Contact); err != nil {
		return fmt.Errorf("chat %s: contact: %w", c.ID, err)
	}
	if err := decodeRequired(aux.Messages, &c.Messages); err != nil {
		return fmt.Errorf("chat %s: messages: %w", c.ID, err)
	}

	c.Agent = decodeOptional[Agent](aux.Agent)
	c.Closed = decodeOptional[ClosedInfo](aux.Closed)
	if tags := decodeOptional[[]Tag](aux.Tags); tags != nil {
		c.Tags = *tags
	}

	return nil
}

// unwrapString peels one level of string encoding if present.
func unwrapString(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return trimmed
	}
	return json.RawMessage(inner)
}

func decodeRequired(raw json.RawMessage, dst any) error {
	raw = unwrapString(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("missing")
	}
	return json.Unmarshal(raw, dst)
}

func decodeOptional[T any](raw json.RawMessage) *T {
	raw = unwrapString(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// ParseChat decodes a single chat object. Messages come back in
// chronological order regardless of export order; transcripts and
// metrics both depend on it.
func ParseChat(data []byte) (*Chat, error) {
	var c Chat
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, fmt.Errorf("chat has no id")
	}
	c.SortMessages()
	return &c, nil
}

// SortMessages orders messages chronologically. The sort is stable so
// messages sharing a timestamp keep their export order.
func (c *Chat) SortMessages() {
	sort.SliceStable(c.Messages, func(i, j int) bool {
		return c.Messages[i].Time.Before(c.Messages[j].Time.Time)
	})
}

// AgentName returns the assigned agent's name, or empty.
func (c *Chat) AgentName() string {
	if c.Agent == nil {
		return ""
	}
	return c.Agent.Name
}

// TagNames returns the chat's tag names in order.
func (c *Chat) TagNames() []string {
	if len(c.Tags) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

// LastActivity returns the chat's last message time, preferring the
// warehouse column over scanning messages.
func (c *Chat) LastActivity() time.Time {
	if c.LastMessageAt != nil && !c.LastMessageAt.IsZero() {
		return c.LastMessageAt.Time
	}
	var last time.Time
	for i := range c.Messages {
		if c.Messages[i].Time.After(last) {
			last = c.Messages[i].Time.Time
		}
	}
	return last
}

// Timestamp wraps time.Time and accepts the timestamp shapes seen in
// exports: RFC 3339, RFC 3339 without offset (treated as UTC), and
// "YYYY-MM-DD HH:MM:SS".
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp must be a string: %s", data)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// NewTimestamp wraps a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}
