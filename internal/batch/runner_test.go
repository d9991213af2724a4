package batch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/analyze"
	"github.com/chatlens/chatlens/internal/model"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAnalyzer) AnalyzeFull(ctx context.Context, transcript string) *analyze.Analysis {
	f.mu.Lock()
	f.calls = append(f.calls, transcript)
	f.mu.Unlock()
	return &analyze.Analysis{
		CX:      map[string]any{"sentiment": "neutral"},
		Product: map[string]any{},
		Sales:   map[string]any{},
		QA:      map[string]any{},
	}
}

func (f *fakeAnalyzer) Model() string { return "fake-model" }

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*analyze.Analysis
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*analyze.Analysis)}
}

func (f *fakeCache) Get(ctx context.Context, chatID string) (*analyze.Analysis, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.entries[chatID]
	return a, ok
}

func (f *fakeCache) Set(ctx context.Context, chatID string, a *analyze.Analysis) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[chatID] = a
	f.sets++
	return true
}

func makeChat(id string) *model.Chat {
	at := model.NewTimestamp(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	return &model.Chat{
		ID:      id,
		Contact: model.Contact{ID: "c", Name: "Customer"},
		Agent:   &model.Agent{ID: "a", Name: "Paula"},
		Messages: []model.Message{
			{ID: id + "-m1", Body: "hello", Time: at, Type: "text",
				SentBy: &model.MessageSender{ID: "c", Name: "Customer", Type: model.SenderContact}},
		},
	}
}

func makeChats(n int) []*model.Chat {
	chats := make([]*model.Chat, n)
	for i := range chats {
		chats[i] = makeChat(fmt.Sprintf("chat-%02d", i))
	}
	return chats
}

func TestRunBatchChunksAndProgress(t *testing.T) {
	fa := &fakeAnalyzer{}
	r := NewRunner(fa, nil, 1000, testLog())

	var progress [][2]int
	var checkpointed []string
	results := r.RunBatch(context.Background(), makeChats(10), Options{
		BatchSize: 3,
		Progress: func(done, total int) {
			progress = append(progress, [2]int{done, total})
		},
		Checkpoint: func(res *analyze.Result) {
			checkpointed = append(checkpointed, res.ChatID)
		},
	})

	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	// 10 chats at batch size 3 is 4 chunks.
	want := [][2]int{{3, 10}, {6, 10}, {9, 10}, {10, 10}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}

	// Result and checkpoint order match input order.
	for i, res := range results {
		wantID := fmt.Sprintf("chat-%02d", i)
		if res.ChatID != wantID {
			t.Errorf("results[%d].ChatID = %s, want %s", i, res.ChatID, wantID)
		}
		if checkpointed[i] != wantID {
			t.Errorf("checkpointed[%d] = %s, want %s", i, checkpointed[i], wantID)
		}
		if res.Failed() {
			t.Errorf("results[%d] failed: %s", i, res.Error)
		}
		if res.ModelVersion != "fake-model" {
			t.Errorf("results[%d].ModelVersion = %q", i, res.ModelVersion)
		}
	}
	if fa.callCount() != 10 {
		t.Errorf("analyzer calls = %d, want 10", fa.callCount())
	}
}

func TestRunBatchEmptyInput(t *testing.T) {
	r := NewRunner(&fakeAnalyzer{}, nil, 1000, testLog())
	if results := r.RunBatch(context.Background(), nil, Options{}); results != nil {
		t.Errorf("empty input should return nil, got %v", results)
	}
}

func TestRunBatchEmptyChatBecomesErrorResult(t *testing.T) {
	fa := &fakeAnalyzer{}
	r := NewRunner(fa, nil, 1000, testLog())

	empty := &model.Chat{ID: "empty", Contact: model.Contact{ID: "c", Name: "X"}}
	results := r.RunBatch(context.Background(), []*model.Chat{empty, makeChat("ok")}, Options{})

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if !results[0].Failed() || results[0].Error != "chat has no messages" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Failed() {
		t.Errorf("results[1] should succeed: %+v", results[1])
	}
	if fa.callCount() != 1 {
		t.Errorf("empty chat must not reach the model, calls = %d", fa.callCount())
	}
}

func TestRunBatchUsesCache(t *testing.T) {
	fa := &fakeAnalyzer{}
	fc := newFakeCache()
	fc.entries["chat-00"] = &analyze.Analysis{CX: map[string]any{"sentiment": "positive"}}

	r := NewRunner(fa, fc, 1000, testLog())
	results := r.RunBatch(context.Background(), makeChats(2), Options{})

	if !results[0].FromCache {
		t.Error("chat-00 should come from cache")
	}
	if results[0].Analysis.CX["sentiment"] != "positive" {
		t.Errorf("cached analysis not returned: %+v", results[0].Analysis)
	}
	if results[1].FromCache {
		t.Error("chat-01 should be a cache miss")
	}
	// Only the miss hits the model, and its result is stored.
	if fa.callCount() != 1 {
		t.Errorf("analyzer calls = %d, want 1", fa.callCount())
	}
	if fc.sets != 1 {
		t.Errorf("cache sets = %d, want 1", fc.sets)
	}
}

type failingAnalyzer struct{}

func (failingAnalyzer) AnalyzeFull(ctx context.Context, transcript string) *analyze.Analysis {
	return &analyze.Analysis{
		CX: map[string]any{"error": "model exploded"},
	}
}
func (failingAnalyzer) Model() string { return "fake-model" }

func TestRunBatchDoesNotCacheErrorAnalyses(t *testing.T) {
	fc := newFakeCache()
	r := NewRunner(failingAnalyzer{}, fc, 1000, testLog())
	r.RunBatch(context.Background(), makeChats(1), Options{})
	if fc.sets != 0 {
		t.Errorf("analyses with aspect errors must not be cached, sets = %d", fc.sets)
	}
}

func TestRunStream(t *testing.T) {
	fa := &fakeAnalyzer{}
	r := NewRunner(fa, nil, 1000, testLog())

	ch := make(chan *model.Chat)
	go func() {
		for _, c := range makeChats(5) {
			ch <- c
		}
		close(ch)
	}()

	var progress [][2]int
	results := r.RunStream(context.Background(), ch, Options{
		BatchSize: 2,
		Progress: func(done, total int) {
			progress = append(progress, [2]int{done, total})
		},
	})

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	want := [][2]int{{2, 2}, {4, 4}, {5, 5}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []*analyze.Result{
		{ChatID: "a", ProcessingMS: 100},
		{ChatID: "b", ProcessingMS: 300, FromCache: true},
		{ChatID: "c", Error: "boom", ProcessingMS: 50},
	}
	s := Summarize(results)
	if s.Total != 3 || s.Succeeded != 2 || s.Failed != 1 || s.CacheHits != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.TotalTimeMS != 450 || s.AvgTimeMS != 150 {
		t.Errorf("timing = %+v", s)
	}
}
