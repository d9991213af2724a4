package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func candidateResponse(text string) GenerateContentResponse {
	return GenerateContentResponse{
		Candidates: []Candidate{
			{Content: Content{Parts: []Part{{Text: text}}}},
		},
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     100,
			CandidatesTokenCount: 50,
			TotalTokenCount:      150,
		},
	}
}

func TestGenerateContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key missing from query, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(candidateResponse(`{"ok": true}`))
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))
	resp, err := client.GenerateContent(context.Background(), "test-model", &GenerateContentRequest{
		Contents: []Content{{Parts: []Part{{Text: "hello"}}}},
	})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if got := resp.Text(); got != `{"ok": true}` {
		t.Errorf("Text() = %q", got)
	}

	stats := client.GetUsageStats()
	if stats.GenerateCalls != 1 || stats.PromptTokens != 100 || stats.OutputTokens != 50 {
		t.Errorf("usage stats = %+v", stats)
	}
	if stats.EstimatedCostUSD <= 0 {
		t.Errorf("cost should be positive, got %v", stats.EstimatedCostUSD)
	}
}

func TestGenerateContentRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(candidateResponse("recovered"))
	}))
	defer server.Close()

	client := NewClient("k", WithBaseURL(server.URL), WithMaxRetries(5))
	resp, err := client.GenerateContent(context.Background(), "m", &GenerateContentRequest{
		Contents: []Content{{Parts: []Part{{Text: "x"}}}},
	})
	if err != nil {
		t.Fatalf("should recover after retries: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGenerateContentGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient("k", WithBaseURL(server.URL), WithMaxRetries(2))
	_, err := client.GenerateContent(context.Background(), "m", &GenerateContentRequest{
		Contents: []Content{{Parts: []Part{{Text: "x"}}}},
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// Initial attempt plus two retries.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGenerateContentPermanentAPIError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(GenerateContentResponse{
			Error: &APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "bad request"},
		})
	}))
	defer server.Close()

	client := NewClient("k", WithBaseURL(server.URL), WithMaxRetries(5))
	_, err := client.GenerateContent(context.Background(), "m", &GenerateContentRequest{
		Contents: []Content{{Parts: []Part{{Text: "x"}}}},
	})
	if err == nil {
		t.Fatal("expected API error")
	}
	if calls.Load() != 1 {
		t.Errorf("permanent errors must not retry, calls = %d", calls.Load())
	}
}

func TestTextEmptyResponse(t *testing.T) {
	var resp GenerateContentResponse
	if got := resp.Text(); got != "" {
		t.Errorf("Text() on empty response = %q", got)
	}
}
