package analyze

import "time"

// Result wraps one conversation's analysis with run metadata. A Result
// either has Analysis set or carries Error; never both.
type Result struct {
	ChatID       string    `json:"chat_id"`
	Agent        string    `json:"agent,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Analysis     *Analysis `json:"analysis,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ProcessingMS int64     `json:"processing_time_ms"`
	ModelVersion string    `json:"model_version,omitempty"`
	FromCache    bool      `json:"from_cache,omitempty"`
}

// Failed reports whether the chat could not be analyzed at all.
func (r *Result) Failed() bool {
	return r.Error != ""
}
