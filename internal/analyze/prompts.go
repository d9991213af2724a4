package analyze

import "fmt"

// Aspect names, used as keys in analysis output and as validation
// selectors.
const (
	AspectCX      = "cx"
	AspectProduct = "product"
	AspectSales   = "sales"
	AspectQA      = "qa"
)

// Aspects lists every analysis aspect in canonical order.
var Aspects = []string{AspectCX, AspectProduct, AspectSales, AspectQA}

func cxPrompt(transcript string) string {
	return fmt.Sprintf(`You are a CX analyst specialized in consultative B2B sales.
Analyze the following chat transcript from a Customer Experience perspective.

EVALUATION CRITERIA:
- Personalization: did the agent use the customer's name? Adapt the approach?
- Empathy: did the agent show understanding of the customer's needs?
- Resolution: did the customer get their questions answered?
- Professionalism: was the tone appropriate for consultative sales?

Return a JSON object with the following fields:
- sentiment: "positive", "neutral" or "negative"
- humanization_score: integer from 1 (robotic) to 5 (very humanized)
- nps_prediction: integer from 0 to 10 (likelihood to recommend)
- resolution_status: "resolved", "unresolved" or "pending"
- personalization_used: boolean (used the customer's name or personalized)
- satisfaction_comment: short explanation of the sentiment

Transcript:
%s`, transcript)
}

func productPrompt(transcript string) string {
	return fmt.Sprintf(`You are a product analyst for an equipment company.
Analyze the transcript to identify product interests and trends.

CATEGORIES (configure for your business):
- category_a: type A products
- category_b: type B products
- category_c: type C products
- undefined: when no product is mentioned or none can be identified

IMPORTANT: if no products are mentioned, use category="undefined".

Return a JSON object with the following fields:
- products_mentioned: list of products/technologies mentioned (empty list if none)
- category: identified category or "undefined"
- interest_level: "high", "medium" or "low"
- budget_mentioned: boolean (customer mentioned budget/price)
- trends: list of emerging needs or specific customer questions

Transcript:
%s`, transcript)
}

func salesPrompt(transcript string) string {
	return fmt.Sprintf(`You are a sales analyst for a commercial team.
Analyze the transcript to evaluate progress through the sales funnel.

FUNNEL STAGES:
- qualification: validating the customer profile
- presentation: demonstrating solutions and benefits
- negotiation: discussing price, terms, objections
- closing: scheduling the next step or closing the sale

Return a JSON object with the following fields:
- funnel_stage: "qualification", "presentation", "negotiation" or "closing"
- outcome: "converted", "lost" or "in_progress"
- lead_type: identified customer type or "undefined"
- rejection_reason: if lost, the main reason (otherwise null)
- next_step: recommended next action item
- urgency: "high", "medium" or "low" (lead urgency)

Transcript:
%s`, transcript)
}

func qaPrompt(transcript string) string {
	return fmt.Sprintf(`You are a QA analyst for a sales team.
Evaluate whether the agent followed the qualification script correctly.

KEY SCRIPT QUESTIONS (configure for your business):
1. Customer's area of interest
2. Business type/profile
3. Location
4. Current situation
5. Available budget
6. Decision timeline

Return a JSON object with the following fields:
- script_adherence: boolean (followed the qualification script?)
- questions_asked: list of the key questions that were asked
- questions_missing: list of the key questions that were NOT asked
- response_time_quality: "fast", "adequate" or "slow"
- improvement_areas: list of improvement suggestions for the agent
- overall_score: integer from 1 to 5 (overall service grade)

Transcript:
%s`, transcript)
}

// promptFor builds the prompt for one aspect.
func promptFor(aspect, transcript string) string {
	switch aspect {
	case AspectCX:
		return cxPrompt(transcript)
	case AspectProduct:
		return productPrompt(transcript)
	case AspectSales:
		return salesPrompt(transcript)
	case AspectQA:
		return qaPrompt(transcript)
	}
	return ""
}
