package analyze

import (
	"fmt"
	"math"
)

// Violation describes one schema problem in an aspect result.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"msg"`
}

var (
	sentimentValues  = []string{"positive", "neutral", "negative"}
	resolutionValues = []string{"resolved", "unresolved", "pending"}
	interestValues   = []string{"high", "medium", "low"}
	funnelValues     = []string{"qualification", "presentation", "negotiation", "closing"}
	outcomeValues    = []string{"qualified", "unqualified", "converted", "lost", "in_progress"}
	urgencyValues    = []string{"high", "medium", "low"}
	rtQualityValues  = []string{"fast", "adequate", "slow"}
)

// Validate checks an aspect result against its expected shape and
// returns every violation found. Results already tagged with "error"
// are skipped. Unknown aspects validate clean.
func Validate(aspect string, result map[string]any) []Violation {
	if result == nil {
		return nil
	}
	if _, failed := result["error"]; failed {
		return nil
	}

	v := &validator{result: result}
	switch aspect {
	case AspectCX:
		v.enum("sentiment", sentimentValues)
		v.intRange("humanization_score", 1, 5)
		v.intRange("nps_prediction", 0, 10)
		v.enum("resolution_status", resolutionValues)
		v.boolean("personalization_used")
		v.str("satisfaction_comment")
	case AspectProduct:
		v.strList("products_mentioned")
		v.str("category")
		v.enum("interest_level", interestValues)
		v.boolean("budget_mentioned")
		v.strList("trends")
	case AspectSales:
		v.enum("funnel_stage", funnelValues)
		v.enum("outcome", outcomeValues)
		v.str("next_step")
		v.enum("urgency", urgencyValues)
	case AspectQA:
		v.boolean("script_adherence")
		v.strList("questions_asked")
		v.strList("questions_missing")
		v.enum("response_time_quality", rtQualityValues)
		v.strList("improvement_areas")
		v.intRange("overall_score", 1, 5)
	}
	return v.violations
}

// AttachViolations records validation problems on the result itself, so
// downstream consumers see the data and its caveats together.
func AttachViolations(result map[string]any, violations []Violation) {
	if len(violations) == 0 {
		return
	}
	result["validation_errors"] = violations
}

type validator struct {
	result     map[string]any
	violations []Violation
}

func (v *validator) add(field, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) enum(field string, allowed []string) {
	raw, ok := v.result[field]
	if !ok || raw == nil {
		v.add(field, "missing")
		return
	}
	s, ok := raw.(string)
	if !ok {
		v.add(field, "expected string, got %T", raw)
		return
	}
	for _, a := range allowed {
		if s == a {
			return
		}
	}
	v.add(field, "value %q not in %v", s, allowed)
}

func (v *validator) intRange(field string, min, max int) {
	raw, ok := v.result[field]
	if !ok || raw == nil {
		v.add(field, "missing")
		return
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		v.add(field, "expected integer, got %v", raw)
		return
	}
	n := int(f)
	if n < min || n > max {
		v.add(field, "value %d outside range %d-%d", n, min, max)
	}
}

func (v *validator) boolean(field string) {
	raw, ok := v.result[field]
	if !ok || raw == nil {
		v.add(field, "missing")
		return
	}
	if _, ok := raw.(bool); !ok {
		v.add(field, "expected boolean, got %T", raw)
	}
}

func (v *validator) str(field string) {
	raw, ok := v.result[field]
	if !ok || raw == nil {
		v.add(field, "missing")
		return
	}
	if _, ok := raw.(string); !ok {
		v.add(field, "expected string, got %T", raw)
	}
}

func (v *validator) strList(field string) {
	raw, ok := v.result[field]
	if !ok || raw == nil {
		v.add(field, "missing")
		return
	}
	list, ok := raw.([]any)
	if !ok {
		v.add(field, "expected list, got %T", raw)
		return
	}
	for i, item := range list {
		if _, ok := item.(string); !ok {
			v.add(field, "item %d: expected string, got %T", i, item)
			return
		}
	}
}
