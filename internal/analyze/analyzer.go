// Package analyze turns chat transcripts into structured findings via
// the Gemini API. Each conversation is examined from four aspects
// (customer experience, product intelligence, sales conversion, and
// quality assurance); aspects fail independently so one bad response
// never discards the other three.
package analyze

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/gemini"
	"golang.org/x/sync/errgroup"
)

// Analysis holds the four aspect results for one conversation. Each
// aspect is the model's JSON object, or {"error": ...} when the call
// or parse failed, possibly annotated with "validation_errors".
type Analysis struct {
	CX      map[string]any `json:"cx"`
	Product map[string]any `json:"product"`
	Sales   map[string]any `json:"sales"`
	QA      map[string]any `json:"qa"`
}

// Aspect returns one aspect's result by name.
func (a *Analysis) Aspect(name string) map[string]any {
	switch name {
	case AspectCX:
		return a.CX
	case AspectProduct:
		return a.Product
	case AspectSales:
		return a.Sales
	case AspectQA:
		return a.QA
	}
	return nil
}

// HasErrors reports whether any aspect carries an error tag.
func (a *Analysis) HasErrors() bool {
	for _, name := range Aspects {
		if aspect := a.Aspect(name); aspect != nil {
			if _, ok := aspect["error"]; ok {
				return true
			}
		}
	}
	return false
}

// Analyzer runs aspect prompts against the model.
type Analyzer struct {
	client      *gemini.Client
	model       string
	maxRetries  int
	temperature float32
	log         *logrus.Entry
}

// NewAnalyzer wires an analyzer to a Gemini client. maxRetries bounds
// the parse-and-timeout retry loop per aspect call, minimum 1.
func NewAnalyzer(client *gemini.Client, model string, maxRetries int, temperature float32, log *logrus.Entry) *Analyzer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Analyzer{
		client:      client,
		model:       model,
		maxRetries:  maxRetries,
		temperature: temperature,
		log:         log,
	}
}

// Model returns the configured model name, recorded alongside results
// so cached entries can be invalidated on model changes.
func (a *Analyzer) Model() string {
	return a.model
}

// Analyze sends one prompt and parses the reply as a JSON object.
// Failures never surface as errors: after retries are exhausted the
// returned map carries an "error" key, plus "raw" when the model
// answered with something unparsable.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) map[string]any {
	req := &gemini.GenerateContentRequest{
		Contents: []gemini.Content{
			{Parts: []gemini.Part{{Text: prompt}}},
		},
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:      &a.temperature,
			ResponseMimeType: "application/json",
		},
	}

	var lastRaw string
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return map[string]any{"error": ctx.Err().Error()}
			case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
			}
		}

		resp, err := a.client.GenerateContent(ctx, a.model, req)
		if err != nil {
			if ctx.Err() != nil {
				return map[string]any{"error": ctx.Err().Error()}
			}
			a.log.WithField("attempt", attempt+1).Warnf("model call failed: %v", err)
			continue
		}

		text := resp.Text()
		if text == "" {
			a.log.WithField("attempt", attempt+1).Warn("empty model response")
			continue
		}

		result, err := parseJSONObject(text)
		if err != nil {
			lastRaw = text
			a.log.WithField("attempt", attempt+1).Warnf("unparsable model response: %v", err)
			continue
		}
		return result
	}

	out := map[string]any{"error": "max retries exceeded"}
	if lastRaw != "" {
		out["error"] = "failed to parse model response"
		out["raw"] = lastRaw
	}
	return out
}

// AnalyzeFull runs the four aspect analyses concurrently over one
// transcript. Each aspect is independently retried and validated;
// validation problems are annotated on the aspect rather than
// discarding it.
func (a *Analyzer) AnalyzeFull(ctx context.Context, transcript string) *Analysis {
	analysis := &Analysis{}
	targets := map[string]*map[string]any{
		AspectCX:      &analysis.CX,
		AspectProduct: &analysis.Product,
		AspectSales:   &analysis.Sales,
		AspectQA:      &analysis.QA,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range Aspects {
		name := name
		dst := targets[name]
		g.Go(func() error {
			result := a.Analyze(ctx, promptFor(name, transcript))
			if _, failed := result["error"]; !failed {
				if violations := Validate(name, result); len(violations) > 0 {
					AttachViolations(result, violations)
					a.log.WithField("aspect", name).
						Warnf("validation failed: %d violations", len(violations))
				}
			}
			*dst = result
			return nil
		})
	}
	_ = g.Wait()

	return analysis
}

// parseJSONObject strips optional markdown code fences and decodes the
// remaining text as a JSON object.
func parseJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	var result map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return nil, err
	}
	return result, nil
}
