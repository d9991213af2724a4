package report

import (
	"testing"

	"github.com/chatlens/chatlens/internal/metrics"
)

func nestedRow(agent, sentiment string, humanization, nps float64, outcome string, products ...string) map[string]any {
	prods := make([]any, len(products))
	for i, p := range products {
		prods[i] = p
	}
	return map[string]any{
		"chat_id": "x",
		"agent":   agent,
		"analysis": map[string]any{
			"cx": map[string]any{
				"sentiment":          sentiment,
				"humanization_score": humanization,
				"nps_prediction":     nps,
			},
			"sales": map[string]any{
				"funnel_stage": "negotiation",
				"outcome":      outcome,
			},
			"product": map[string]any{
				"products_mentioned": prods,
			},
		},
	}
}

func TestAggregateConversionAndSentiment(t *testing.T) {
	rows := []map[string]any{
		nestedRow("Maria", "positive", 4, 9, "converted", "x200"),
		nestedRow("Maria", "neutral", 3, 7, "lost"),
		nestedRow("Joao", "positive", 5, 10, "converted", "x200", "gel"),
		nestedRow("Joao", "negative", 2, 3, "in_progress"),
	}

	s := Aggregate(rows)
	if s.TotalAnalyzed != 4 {
		t.Errorf("total = %d, want 4", s.TotalAnalyzed)
	}
	if s.SentimentCounts["positive"] != 2 || s.SentimentCounts["negative"] != 1 {
		t.Errorf("sentiments = %v", s.SentimentCounts)
	}
	if s.ConversionRate != 50 {
		t.Errorf("conversion = %v, want 50", s.ConversionRate)
	}
	if s.AvgHumanization != 3.5 {
		t.Errorf("avg humanization = %v, want 3.5", s.AvgHumanization)
	}
	if s.AvgNPS != 7.25 {
		t.Errorf("avg nps = %v, want 7.25", s.AvgNPS)
	}
	if s.TotalMentions != 3 {
		t.Errorf("mentions = %d, want 3", s.TotalMentions)
	}
	if len(s.TopProducts) != 2 || s.TopProducts[0].Name != "x200" || s.TopProducts[0].Count != 2 {
		t.Errorf("top products = %v", s.TopProducts)
	}
}

func TestAggregateDropsMissingScores(t *testing.T) {
	rows := []map[string]any{
		nestedRow("Maria", "positive", 4, 8, "converted"),
		{
			"agent": "Joao",
			"analysis": map[string]any{
				"cx":    map[string]any{"sentiment": "neutral"},
				"sales": map[string]any{"outcome": "lost"},
			},
		},
	}

	s := Aggregate(rows)
	if s.AvgHumanization != 4 {
		t.Errorf("avg humanization = %v, want 4 (missing score dropped)", s.AvgHumanization)
	}
	if s.AvgNPS != 8 {
		t.Errorf("avg nps = %v, want 8", s.AvgNPS)
	}
	if s.ConversionRate != 50 {
		t.Errorf("conversion = %v, want 50", s.ConversionRate)
	}
}

func TestAggregateMissingOutcomeCountsAsInProgress(t *testing.T) {
	rows := []map[string]any{
		nestedRow("Maria", "positive", 4, 8, "converted"),
		{
			"agent": "Joao",
			"analysis": map[string]any{
				"cx":    map[string]any{"sentiment": "neutral"},
				"sales": map[string]any{"funnel_stage": "presentation"},
			},
		},
	}

	s := Aggregate(rows)
	if s.OutcomeCounts["in_progress"] != 1 {
		t.Errorf("outcomes = %v, want outcome-less sales counted as in_progress", s.OutcomeCounts)
	}
	if s.ConversionRate != 50 {
		t.Errorf("conversion = %v, want 50 (denominator includes open conversations)", s.ConversionRate)
	}
}

func TestAggregateSkipsErrorRows(t *testing.T) {
	rows := []map[string]any{
		nestedRow("Maria", "positive", 4, 8, "converted"),
		{"chat_id": "bad", "error": "model unavailable"},
	}
	if s := Aggregate(rows); s.TotalAnalyzed != 1 {
		t.Errorf("total = %d, want 1", s.TotalAnalyzed)
	}
}

func TestAggregateFlattenedRows(t *testing.T) {
	rows := []map[string]any{
		{
			"agent_name":             "Maria",
			"cx_sentiment":           "positive",
			"cx_humanization_score":  float64(5),
			"cx_nps_prediction":      float64(9),
			"sales_outcome":          "converted",
			"sales_funnel_stage":     "closing",
			"sales_rejection_reason": "",
			"product_names":          `["x200"]`,
		},
		{
			"agent_name":             "Joao",
			"cx_sentiment":           "negative",
			"cx_humanization_score":  float64(2),
			"cx_nps_prediction":      float64(2),
			"sales_outcome":          "lost",
			"sales_funnel_stage":     "qualification",
			"sales_rejection_reason": "price too high",
			"product_names":          `["x200","gel"]`,
		},
	}

	s := Aggregate(rows)
	if s.TotalAnalyzed != 2 {
		t.Fatalf("total = %d, want 2", s.TotalAnalyzed)
	}
	if s.ConversionRate != 50 {
		t.Errorf("conversion = %v", s.ConversionRate)
	}
	if s.TotalMentions != 3 || s.TopProducts[0].Name != "x200" {
		t.Errorf("products = %v", s.TopProducts)
	}
}

func TestTopProductsTieOrderStable(t *testing.T) {
	rows := []map[string]any{
		nestedRow("a", "neutral", 3, 5, "in_progress", "beta", "alpha"),
		nestedRow("b", "neutral", 3, 5, "in_progress", "alpha", "beta"),
	}
	s := Aggregate(rows)
	if len(s.TopProducts) != 2 || s.TopProducts[0].Name != "beta" || s.TopProducts[1].Name != "alpha" {
		t.Errorf("tie order = %v, want first-mention order", s.TopProducts)
	}
}

func TestBuildReport(t *testing.T) {
	perf := []metrics.AgentPerformance{
		{Agent: "Maria", Chats: 2, AvgWaitSeconds: 120, AvgHandleSeconds: 900},
		{Agent: "Joao", Chats: 1, AvgWaitSeconds: 300, AvgHandleSeconds: 1500},
	}
	rows := []map[string]any{
		nestedRow("Maria", "positive", 4, 9, "converted"),
		nestedRow("Maria", "neutral", 5, 7, "in_progress"),
		{
			"agent": "Joao",
			"analysis": map[string]any{
				"cx": map[string]any{"sentiment": "negative", "humanization_score": float64(2)},
				"sales": map[string]any{
					"funnel_stage":     "qualification",
					"outcome":          "lost",
					"rejection_reason": "chose competitor",
				},
			},
		},
	}

	r := BuildReport(perf, rows)
	if len(r.AgentRanking) != 2 {
		t.Fatalf("ranking = %d entries", len(r.AgentRanking))
	}
	if r.AgentRanking[0].Agent != "Maria" || r.AgentRanking[0].AvgHumanization != 4.5 {
		t.Errorf("maria rank = %+v", r.AgentRanking[0])
	}
	if r.AgentRanking[1].AvgHumanization != 2 {
		t.Errorf("joao rank = %+v", r.AgentRanking[1])
	}
	if r.FunnelStages["negotiation"] != 2 || r.FunnelStages["qualification"] != 1 {
		t.Errorf("funnel = %v", r.FunnelStages)
	}
	if r.LossReasons["chose competitor"] != 1 {
		t.Errorf("losses = %v", r.LossReasons)
	}
	if r.Summary.TotalAnalyzed != 3 {
		t.Errorf("summary total = %d", r.Summary.TotalAnalyzed)
	}
}
