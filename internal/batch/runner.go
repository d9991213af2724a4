// Package batch orchestrates analysis over many conversations: chunked
// concurrency, request rate limiting, response caching, and incremental
// checkpointing so an interrupted run resumes where it stopped.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/analyze"
	"github.com/chatlens/chatlens/internal/metrics"
	"github.com/chatlens/chatlens/internal/model"
	"github.com/chatlens/chatlens/internal/transcript"
)

// DefaultBatchSize is how many chats are analyzed concurrently within
// one chunk.
const DefaultBatchSize = 10

// Analyzer is the slice of analyze.Analyzer the runner needs.
type Analyzer interface {
	AnalyzeFull(ctx context.Context, transcript string) *analyze.Analysis
	Model() string
}

// ResponseCache is the slice of cache.Cache the runner needs.
type ResponseCache interface {
	Get(ctx context.Context, chatID string) (*analyze.Analysis, bool)
	Set(ctx context.Context, chatID string, a *analyze.Analysis) bool
}

// ProgressFunc receives (processed, total) after each chunk. In stream
// mode total is unknown, so it reports (processed, processed).
type ProgressFunc func(processed, total int)

// CheckpointFunc receives every finished result, in order, so callers
// can persist progress incrementally.
type CheckpointFunc func(r *analyze.Result)

// Options tune one batch run. Zero values get defaults.
type Options struct {
	BatchSize  int
	Progress   ProgressFunc
	Checkpoint CheckpointFunc
}

// Summary aggregates run statistics for the final log line.
type Summary struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	CacheHits   int     `json:"cache_hits"`
	TotalTimeMS int64   `json:"total_time_ms"`
	AvgTimeMS   float64 `json:"avg_time_ms"`
}

// Summarize computes run statistics over a result set.
func Summarize(results []*analyze.Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Failed() {
			s.Failed++
		} else {
			s.Succeeded++
		}
		if r.FromCache {
			s.CacheHits++
		}
		s.TotalTimeMS += r.ProcessingMS
	}
	if s.Total > 0 {
		s.AvgTimeMS = float64(s.TotalTimeMS) / float64(s.Total)
	}
	return s
}

// Runner drives analysis over a set of conversations.
type Runner struct {
	analyzer Analyzer
	cache    ResponseCache
	limiter  *slidingWindow
	log      *logrus.Entry
	now      func() time.Time
}

// NewRunner builds a runner. cache may be nil. rpm bounds model
// requests per trailing minute; values below 1 fall back to 240.
func NewRunner(analyzer Analyzer, cache ResponseCache, rpm int, log *logrus.Entry) *Runner {
	if rpm < 1 {
		rpm = 240
	}
	return &Runner{
		analyzer: analyzer,
		cache:    cache,
		limiter:  newSlidingWindow(rpm),
		log:      log,
		now:      time.Now,
	}
}

// RunBatch analyzes chats in fixed-size chunks. Within a chunk the
// chats run concurrently; chunks run one after another; result order
// matches input order. Per-chat failures become error results, never
// aborted runs. Only ctx cancellation stops the batch early.
func (r *Runner) RunBatch(ctx context.Context, chats []*model.Chat, opts Options) []*analyze.Result {
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	total := len(chats)
	if total == 0 {
		return nil
	}
	r.log.Infof("starting batch: %d chats, batch_size=%d", total, batchSize)

	results := make([]*analyze.Result, 0, total)
	for start := 0; start < total; start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > total {
			end = total
		}
		chunk := r.runChunk(ctx, chats[start:end])

		for _, res := range chunk {
			if opts.Checkpoint != nil {
				opts.Checkpoint(res)
			}
		}
		results = append(results, chunk...)

		if opts.Progress != nil {
			opts.Progress(len(results), total)
		}
	}

	s := Summarize(results)
	r.log.Infof("batch done: %d/%d succeeded, %d errors, %d cache hits, avg %.0fms",
		s.Succeeded, s.Total, s.Failed, s.CacheHits, s.AvgTimeMS)
	return results
}

// RunStream analyzes chats arriving on a channel, chunking as they
// come. Progress reports (processed, processed) since the total is
// unknown.
func (r *Runner) RunStream(ctx context.Context, chats <-chan *model.Chat, opts Options) []*analyze.Result {
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	var results []*analyze.Result
	pending := make([]*model.Chat, 0, batchSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunk := r.runChunk(ctx, pending)
		for _, res := range chunk {
			if opts.Checkpoint != nil {
				opts.Checkpoint(res)
			}
		}
		results = append(results, chunk...)
		if opts.Progress != nil {
			opts.Progress(len(results), len(results))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return results
		case chat, ok := <-chats:
			if !ok {
				flush()
				return results
			}
			pending = append(pending, chat)
			if len(pending) >= batchSize {
				flush()
			}
		}
	}
}

// runChunk analyzes one chunk concurrently, preserving order.
func (r *Runner) runChunk(ctx context.Context, chunk []*model.Chat) []*analyze.Result {
	results := make([]*analyze.Result, len(chunk))
	var wg sync.WaitGroup
	for i, chat := range chunk {
		wg.Add(1)
		go func(i int, chat *model.Chat) {
			defer wg.Done()
			results[i] = r.analyzeOne(ctx, chat)
		}(i, chat)
	}
	wg.Wait()
	return results
}

func (r *Runner) analyzeOne(ctx context.Context, chat *model.Chat) (res *analyze.Result) {
	start := r.now()
	agent := chat.AgentName()
	if agent == "" {
		agent = metrics.UnassignedAgent
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("panic analyzing chat %s: %v", chat.ID, rec)
			res = r.errorResult(chat.ID, start, fmt.Sprintf("panic: %v", rec))
		}
	}()

	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, chat.ID); ok {
			r.log.Infof("cache hit for chat %s", chat.ID)
			return &analyze.Result{
				ChatID:       chat.ID,
				Agent:        agent,
				Tags:         chat.TagNames(),
				Analysis:     cached,
				Timestamp:    r.now(),
				ProcessingMS: r.now().Sub(start).Milliseconds(),
				ModelVersion: r.analyzer.Model(),
				FromCache:    true,
			}
		}
	}

	text := transcript.Format(chat)
	if strings.TrimSpace(text) == "" {
		return r.errorResult(chat.ID, start, "chat has no messages")
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return r.errorResult(chat.ID, start, err.Error())
	}

	analysis := r.analyzer.AnalyzeFull(ctx, text)

	if r.cache != nil && !analysis.HasErrors() {
		r.cache.Set(ctx, chat.ID, analysis)
	}

	elapsed := r.now().Sub(start).Milliseconds()
	r.log.Infof("chat %s analyzed in %dms (agent=%s)", chat.ID, elapsed, agent)
	return &analyze.Result{
		ChatID:       chat.ID,
		Agent:        agent,
		Tags:         chat.TagNames(),
		Analysis:     analysis,
		Timestamp:    r.now(),
		ProcessingMS: elapsed,
		ModelVersion: r.analyzer.Model(),
	}
}

func (r *Runner) errorResult(chatID string, start time.Time, msg string) *analyze.Result {
	return &analyze.Result{
		ChatID:       chatID,
		Error:        msg,
		Timestamp:    r.now(),
		ProcessingMS: r.now().Sub(start).Milliseconds(),
	}
}
