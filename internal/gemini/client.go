// Package gemini is a thin client for the Gemini generateContent API
// with pooled HTTP/2 transport, retry on transient failures, and usage
// accounting.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout      = 60 * time.Second
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
	maxIdleConns        = 100
	maxConnsPerHost     = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Client is a Gemini API client with HTTP/2 support and retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int

	useADC      bool
	accessToken string
	tokenExpiry time.Time
	tokenMu     sync.Mutex

	usageMu           sync.Mutex
	totalPromptTokens int64
	totalOutputTokens int64
	generateCalls     int64
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint. Used by tests
// to target an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries overrides how many times a transient failure is
// retried before giving up.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a Gemini client with HTTP/2 pooling and retries.
// If apiKey is empty, Application Default Credentials (gcloud auth)
// are used instead.
func NewClient(apiKey string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		maxRetries: 3,
		useADC:     apiKey == "",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) getAccessToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Add(60*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	cmd := exec.Command("gcloud", "auth", "application-default", "print-access-token")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gcloud auth failed: %w (run 'gcloud auth application-default login')", err)
	}

	c.accessToken = strings.TrimSpace(string(output))
	c.tokenExpiry = time.Now().Add(55 * time.Minute)
	return c.accessToken, nil
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var url string
	if c.useADC {
		url = fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	} else {
		url = fmt.Sprintf("%s/%s?key=%s", c.baseURL, endpoint, c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if c.useADC {
		token, err := c.getAccessToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// GenerateContentRequest for the generateContent API
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []SafetySetting   `json:"safetySettings,omitempty"`
}

type GenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   any      `json:"responseSchema,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// UsageMetadata contains token usage information from the API
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content       Content        `json:"content"`
	FinishReason  string         `json:"finishReason,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

type PromptFeedback struct {
	BlockReason        string         `json:"blockReason,omitempty"`
	BlockReasonMessage string         `json:"blockReasonMessage,omitempty"`
	SafetyRatings      []SafetyRating `json:"safetyRatings,omitempty"`
}

type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// GenerateContent calls the Gemini generateContent API. Transient
// failures (429, 5xx, transport errors) are retried with exponential
// backoff and jitter; everything else fails immediately.
func (c *Client) GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("models/%s:generateContent", model)

	var result *GenerateContentResponse
	attempt := func() error {
		httpReq, err := c.buildRequest(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if isRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		var parsed GenerateContentResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}

		if parsed.Error != nil {
			if isRetryableStatus(parsed.Error.Code) {
				return parsed.Error
			}
			return backoff.Permanent(parsed.Error)
		}

		result = &parsed
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = 0

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	c.recordGenerateUsage(result.UsageMetadata)
	return result, nil
}

// Text returns the first candidate's concatenated text parts.
func (r *GenerateContentResponse) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func isRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	GenerateCalls    int64   `json:"generate_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// GetUsageStats returns accumulated usage statistics and estimated cost
// Pricing (Gemini 2.x Flash as of Jan 2026):
//   - Input: $0.075 per 1M tokens
//   - Output: $0.30 per 1M tokens
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	stats := UsageStats{
		PromptTokens:  c.totalPromptTokens,
		OutputTokens:  c.totalOutputTokens,
		GenerateCalls: c.generateCalls,
	}

	inputCost := float64(c.totalPromptTokens) * 0.075 / 1_000_000
	outputCost := float64(c.totalOutputTokens) * 0.30 / 1_000_000
	stats.EstimatedCostUSD = inputCost + outputCost

	return stats
}

// ResetUsageStats clears accumulated usage statistics
func (c *Client) ResetUsageStats() {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalPromptTokens = 0
	c.totalOutputTokens = 0
	c.generateCalls = 0
}

func (c *Client) recordGenerateUsage(usage *UsageMetadata) {
	if usage == nil {
		return
	}
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalPromptTokens += int64(usage.PromptTokenCount)
	c.totalOutputTokens += int64(usage.CandidatesTokenCount)
	c.generateCalls++
}
