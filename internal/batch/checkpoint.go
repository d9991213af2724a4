package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chatlens/chatlens/internal/analyze"
)

// Checkpoint persists a run's results incrementally so an interrupted
// batch resumes without re-analyzing finished chats. The file holds a
// JSON array of results and is rewritten atomically on every append.
type Checkpoint struct {
	path string

	mu      sync.Mutex
	results []*analyze.Result
}

// CheckpointPath names the checkpoint file for one analysis week.
func CheckpointPath(dir, weekKey string) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_%s.json", weekKey))
}

// OpenCheckpoint loads an existing checkpoint file, or starts an empty
// one if the file does not exist.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	cp := &Checkpoint{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp.results); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// Results returns the results recorded so far.
func (c *Checkpoint) Results() []*analyze.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*analyze.Result, len(c.results))
	copy(out, c.results)
	return out
}

// CompletedIDs returns the chat ids already analyzed, including failed
// ones, so a resume does not retry them mid-week.
func (c *Checkpoint) CompletedIDs() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{}, len(c.results))
	for _, r := range c.results {
		ids[r.ChatID] = struct{}{}
	}
	return ids
}

// Append records one result and flushes the file.
func (c *Checkpoint) Append(r *analyze.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return c.flushLocked()
}

func (c *Checkpoint) flushLocked() error {
	data, err := json.MarshalIndent(c.results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Remove deletes the checkpoint file after a successful run.
func (c *Checkpoint) Remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
