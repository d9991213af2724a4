// Package transcript renders a conversation into the plain-text form
// fed to the analysis prompts.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chatlens/chatlens/internal/model"
)

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// Format renders a chat as one block per message:
//
//	[HH:MM] [Sender] (+Nmin): body
//
// The gap annotation appears only when at least a minute passed since
// the previous message. Output is deterministic for a given chat, so
// cached analyses keyed on the chat stay valid across runs.
func Format(chat *model.Chat) string {
	return format(chat, true)
}

// FormatPlain renders "Sender: body" lines without timestamps, for
// compact prompt contexts.
func FormatPlain(chat *model.Chat) string {
	return format(chat, false)
}

func format(chat *model.Chat, withTimes bool) string {
	var lines []string
	var lastTime time.Time

	for i := range chat.Messages {
		msg := &chat.Messages[i]
		sender := senderLabel(msg)

		timeStr := ""
		if withTimes && !msg.Time.IsZero() {
			timeStr = msg.Time.Format("15:04")
		}

		gap := ""
		if withTimes && !lastTime.IsZero() && !msg.Time.IsZero() {
			if diff := msg.Time.Sub(lastTime); diff >= time.Minute {
				gap = fmt.Sprintf(" (+%dmin)", int(diff/time.Minute))
			}
		}
		if !msg.Time.IsZero() {
			lastTime = msg.Time.Time
		}

		body := htmlTag.ReplaceAllString(msg.Body, "")

		if withTimes {
			lines = append(lines, fmt.Sprintf("[%s] [%s]%s: %s", timeStr, sender, gap, body))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", sender, body))
		}
	}

	return strings.Join(lines, "\n\n")
}

func senderLabel(msg *model.Message) string {
	name := ""
	if msg.SentBy != nil {
		name = msg.SentBy.Name
	}
	switch {
	case msg.FromBot():
		return "Bot"
	case msg.FromAgent():
		if name != "" {
			return name
		}
		return "Agent"
	default:
		if name != "" {
			return name
		}
		return "Customer"
	}
}
