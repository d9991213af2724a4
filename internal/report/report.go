// Package report aggregates stored analysis rows into weekly
// summaries. Rows arrive either nested, with a full analysis object
// under "analysis", or flattened into cx_*/product_*/sales_* columns
// as the store persists them, so everything normalizes through one
// record shape first.
package report

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/chatlens/chatlens/internal/metrics"
)

// Sentiment and outcome enums counted by the summary.
var (
	sentimentValues = []string{"positive", "neutral", "negative"}
	outcomeValues   = []string{"converted", "lost", "in_progress"}
)

// ProductCount is one entry of the product cloud.
type ProductCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary is the aggregate view of one analyzed week.
type Summary struct {
	TotalAnalyzed   int            `json:"total_analyzed"`
	SentimentCounts map[string]int `json:"sentiment_distribution"`
	AvgHumanization float64        `json:"avg_humanization_score"`
	AvgNPS          float64        `json:"avg_nps_prediction"`
	OutcomeCounts   map[string]int `json:"outcome_distribution"`
	ConversionRate  float64        `json:"conversion_rate"`
	TopProducts     []ProductCount `json:"top_products"`
	TotalMentions   int            `json:"total_mentions"`
}

// AgentRank joins timing metrics with the analysis quality signal.
type AgentRank struct {
	Agent            string  `json:"agent"`
	Chats            int     `json:"chats"`
	AvgWaitSeconds   float64 `json:"avg_wait_seconds"`
	AvgHandleSeconds float64 `json:"avg_handle_seconds"`
	AvgHumanization  float64 `json:"avg_humanization"`
}

// Report is the full weekly report.
type Report struct {
	Summary      *Summary       `json:"summary"`
	AgentRanking []AgentRank    `json:"agent_ranking"`
	FunnelStages map[string]int `json:"sales_funnel"`
	LossReasons  map[string]int `json:"loss_reasons"`
}

// record is the normalized view of one analyzed chat.
type record struct {
	agent           string
	sentiment       string
	humanization    *float64
	nps             *float64
	outcome         string
	funnelStage     string
	rejectionReason string
	products        []string
}

// Aggregate summarizes analyzed rows. Rows carrying an error are
// dropped. Score averages run over present values only; a chat whose
// model skipped a score does not drag the mean toward a default.
func Aggregate(rows []map[string]any) *Summary {
	records := normalize(rows)

	s := &Summary{
		SentimentCounts: make(map[string]int, len(sentimentValues)),
		OutcomeCounts:   make(map[string]int, len(outcomeValues)),
	}
	for _, v := range sentimentValues {
		s.SentimentCounts[v] = 0
	}
	for _, v := range outcomeValues {
		s.OutcomeCounts[v] = 0
	}

	var humanSum, npsSum float64
	var humanN, npsN, outcomeN int

	productCounts := make(map[string]int)
	productOrder := make(map[string]int)

	for _, r := range records {
		s.TotalAnalyzed++

		if _, ok := s.SentimentCounts[r.sentiment]; ok {
			s.SentimentCounts[r.sentiment]++
		}
		if r.humanization != nil {
			humanSum += *r.humanization
			humanN++
		}
		if r.nps != nil {
			npsSum += *r.nps
			npsN++
		}
		if r.outcome != "" {
			outcomeN++
			if _, ok := s.OutcomeCounts[r.outcome]; ok {
				s.OutcomeCounts[r.outcome]++
			}
		}
		for _, p := range r.products {
			if _, ok := productOrder[p]; !ok {
				productOrder[p] = len(productOrder)
			}
			productCounts[p]++
			s.TotalMentions++
		}
	}

	if humanN > 0 {
		s.AvgHumanization = round2(humanSum / float64(humanN))
	}
	if npsN > 0 {
		s.AvgNPS = round2(npsSum / float64(npsN))
	}
	if outcomeN > 0 {
		s.ConversionRate = round2(float64(s.OutcomeCounts["converted"]) / float64(outcomeN) * 100)
	}

	products := make([]ProductCount, 0, len(productCounts))
	for name, count := range productCounts {
		products = append(products, ProductCount{Name: name, Count: count})
	}
	// Ties keep first-mention order so repeated runs print the same
	// cloud.
	sort.SliceStable(products, func(i, j int) bool {
		if products[i].Count != products[j].Count {
			return products[i].Count > products[j].Count
		}
		return productOrder[products[i].Name] < productOrder[products[j].Name]
	})
	if len(products) > 10 {
		products = products[:10]
	}
	s.TopProducts = products

	return s
}

// BuildReport joins the week summary with agent timing metrics, the
// funnel stage counts, and the loss reason counter.
func BuildReport(perf []metrics.AgentPerformance, rows []map[string]any) *Report {
	records := normalize(rows)

	humanSum := make(map[string]float64)
	humanN := make(map[string]int)
	funnel := make(map[string]int)
	losses := make(map[string]int)
	for _, r := range records {
		if r.agent != "" && r.humanization != nil {
			humanSum[r.agent] += *r.humanization
			humanN[r.agent]++
		}
		if r.funnelStage != "" {
			funnel[r.funnelStage]++
		}
		if r.outcome == "lost" && r.rejectionReason != "" {
			losses[r.rejectionReason]++
		}
	}

	ranking := make([]AgentRank, 0, len(perf))
	for _, p := range perf {
		rank := AgentRank{
			Agent:            p.Agent,
			Chats:            p.Chats,
			AvgWaitSeconds:   p.AvgWaitSeconds,
			AvgHandleSeconds: p.AvgHandleSeconds,
		}
		if n := humanN[p.Agent]; n > 0 {
			rank.AvgHumanization = round2(humanSum[p.Agent] / float64(n))
		}
		ranking = append(ranking, rank)
	}

	return &Report{
		Summary:      Aggregate(rows),
		AgentRanking: ranking,
		FunnelStages: funnel,
		LossReasons:  losses,
	}
}

func normalize(rows []map[string]any) []record {
	records := make([]record, 0, len(rows))
	for _, row := range rows {
		if errVal, ok := row["error"]; ok && errVal != nil && errVal != "" {
			continue
		}
		if analysis, ok := row["analysis"].(map[string]any); ok {
			records = append(records, fromNested(row, analysis))
			continue
		}
		if _, ok := row["cx_sentiment"]; ok {
			records = append(records, fromFlat(row))
		}
	}
	return records
}

func fromNested(row, analysis map[string]any) record {
	r := record{agent: str(row["agent"])}
	if r.agent == "" {
		r.agent = str(row["agent_name"])
	}
	if cx, ok := analysis["cx"].(map[string]any); ok {
		r.sentiment = str(cx["sentiment"])
		r.humanization = num(cx["humanization_score"])
		r.nps = num(cx["nps_prediction"])
	}
	if sales, ok := analysis["sales"].(map[string]any); ok {
		// A sales aspect without an outcome still counts in the
		// conversion denominator, as an open conversation.
		r.outcome = str(sales["outcome"])
		if r.outcome == "" {
			r.outcome = "in_progress"
		}
		r.funnelStage = str(sales["funnel_stage"])
		r.rejectionReason = str(sales["rejection_reason"])
	}
	if product, ok := analysis["product"].(map[string]any); ok {
		r.products = strList(product["products_mentioned"])
	}
	return r
}

func fromFlat(row map[string]any) record {
	outcome := str(row["sales_outcome"])
	if outcome == "" {
		outcome = "in_progress"
	}
	return record{
		agent:           str(row["agent_name"]),
		sentiment:       str(row["cx_sentiment"]),
		humanization:    num(row["cx_humanization_score"]),
		nps:             num(row["cx_nps_prediction"]),
		outcome:         outcome,
		funnelStage:     str(row["sales_funnel_stage"]),
		rejectionReason: str(row["sales_rejection_reason"]),
		products:        jsonStrList(row["product_names"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	}
	return nil
}

func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// jsonStrList decodes the JSON-text list columns the store writes.
func jsonStrList(v any) []string {
	switch t := v.(type) {
	case []any:
		return strList(v)
	case string:
		var out []string
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
