package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/chatlens/chatlens/internal/model"
)

// UnassignedAgent labels chats that never got an agent.
const UnassignedAgent = "Unassigned"

// ResponseTimes holds the per-chat timing metrics.
type ResponseTimes struct {
	// WaitSeconds is the average time a customer waited for an agent
	// reply, counting only replies sent inside business hours.
	WaitSeconds float64 `json:"wait_seconds"`
	// HandleSeconds is the span from first to last message.
	HandleSeconds float64 `json:"handle_seconds"`
	// ResponseCount is how many business-hours agent replies were
	// measured.
	ResponseCount int `json:"response_count"`
}

// AgentPerformance aggregates timing metrics for one agent.
type AgentPerformance struct {
	Agent            string  `json:"agent"`
	Chats            int     `json:"chats"`
	AvgWaitSeconds   float64 `json:"avg_wait_seconds"`
	AvgHandleSeconds float64 `json:"avg_handle_seconds"`
}

// agentEmailDomains marks senders as agents even when the sender type
// is missing, which happens on older exports.
var agentEmailDomains = []string{}

// SetAgentEmailDomains configures fallback agent detection by sender
// email domain.
func SetAgentEmailDomains(domains []string) {
	agentEmailDomains = domains
}

func isAgentMessage(m *model.Message) bool {
	if m.FromAgent() {
		return true
	}
	if m.SentBy == nil || m.SentBy.Email == "" {
		return false
	}
	for _, d := range agentEmailDomains {
		if strings.HasSuffix(m.SentBy.Email, "@"+d) {
			return true
		}
	}
	return false
}

// ComputeResponseTimes walks a chat's messages chronologically. An
// agent message directly following one or more customer messages is a
// reply; its wait is measured against the immediately preceding
// message. Replies sent outside business hours are excluded from the
// wait average but the handle time always spans first to last message.
// A chat with no messages yields all zeros.
func ComputeResponseTimes(chat *model.Chat, cal *Calendar) ResponseTimes {
	if len(chat.Messages) == 0 {
		return ResponseTimes{}
	}

	msgs := make([]model.Message, len(chat.Messages))
	copy(msgs, chat.Messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time.Before(msgs[j].Time.Time)
	})

	var (
		totalWait   float64
		count       int
		prevIsAgent bool
		prevTime    time.Time
	)
	for i := range msgs {
		m := &msgs[i]
		agent := isAgentMessage(m)
		if agent && !prevIsAgent && !prevTime.IsZero() && cal.InBusinessHours(m.Time.Time) {
			totalWait += m.Time.Sub(prevTime).Seconds()
			count++
		}
		prevIsAgent = agent
		if !m.Time.IsZero() {
			prevTime = m.Time.Time
		}
	}

	rt := ResponseTimes{ResponseCount: count}
	if count > 0 {
		rt.WaitSeconds = totalWait / float64(count)
	}

	first := msgs[0].Time.Time
	last := msgs[len(msgs)-1].Time.Time
	if !first.IsZero() && !last.IsZero() {
		rt.HandleSeconds = last.Sub(first).Seconds()
	}
	return rt
}

// AggregateByAgent rolls per-chat metrics up to each agent. Chats
// without an assigned agent are excluded; the ranking compares agents,
// not queue leftovers. The wait average is weighted by reply count so
// a chat with ten measured replies moves the average ten times more
// than a chat with one. The result is sorted fastest wait first, name
// as tiebreak.
func AggregateByAgent(chats []*model.Chat, cal *Calendar) []AgentPerformance {
	type acc struct {
		chats        int
		weightedWait float64
		responses    int
		totalHandle  float64
	}
	byAgent := make(map[string]*acc)

	for _, chat := range chats {
		name := chat.AgentName()
		if name == "" {
			continue
		}
		a := byAgent[name]
		if a == nil {
			a = &acc{}
			byAgent[name] = a
		}

		rt := ComputeResponseTimes(chat, cal)
		a.chats++
		a.weightedWait += rt.WaitSeconds * float64(rt.ResponseCount)
		a.responses += rt.ResponseCount
		a.totalHandle += rt.HandleSeconds
	}

	out := make([]AgentPerformance, 0, len(byAgent))
	for name, a := range byAgent {
		perf := AgentPerformance{Agent: name, Chats: a.chats}
		if a.responses > 0 {
			perf.AvgWaitSeconds = a.weightedWait / float64(a.responses)
		}
		if a.chats > 0 {
			perf.AvgHandleSeconds = a.totalHandle / float64(a.chats)
		}
		out = append(out, perf)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgWaitSeconds != out[j].AvgWaitSeconds {
			return out[i].AvgWaitSeconds < out[j].AvgWaitSeconds
		}
		return out[i].Agent < out[j].Agent
	})
	return out
}

// Heatmap counts messages per local weekday and hour. Index 0 is
// Monday.
func Heatmap(chats []*model.Chat, cal *Calendar) [7][24]int {
	var grid [7][24]int
	for _, chat := range chats {
		for i := range chat.Messages {
			t := chat.Messages[i].Time.Time
			if t.IsZero() {
				continue
			}
			local := t.In(cal.Location())
			day := (int(local.Weekday()) + 6) % 7
			grid[day][local.Hour()]++
		}
	}
	return grid
}

// TagCounts counts how many chats carry each tag.
func TagCounts(chats []*model.Chat) map[string]int {
	counts := make(map[string]int)
	for _, chat := range chats {
		for _, name := range chat.TagNames() {
			counts[name]++
		}
	}
	return counts
}
