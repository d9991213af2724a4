package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/model"
)

const watchDebounce = 2 * time.Second

// Watcher streams conversations out of an export drop directory as
// new *.json files land.
type Watcher struct {
	dir string
	log *logrus.Entry

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewWatcher(dir string, log *logrus.Entry) *Watcher {
	return &Watcher{dir: dir, log: log, seen: make(map[string]time.Time)}
}

// Run watches the drop directory until ctx is cancelled, sending
// parsed chats on out. Files already present at startup are ingested
// first. Writes are debounced so a file is only read once its export
// settles.
func (w *Watcher) Run(ctx context.Context, out chan<- *model.Chat) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Infof("watching %s for new exports", w.dir)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			w.ingestFile(ctx, filepath.Join(w.dir, entry.Name()), out)
		}
	}

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	pending := make(chan string)
	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-pending:
			w.ingestFile(ctx, path, out)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			path := event.Name
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- path:
				case <-ctx.Done():
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path string, out chan<- *model.Chat) {
	info, err := os.Stat(path)
	if err != nil {
		w.log.WithError(err).Warnf("stat %s", path)
		return
	}

	w.mu.Lock()
	if prev, ok := w.seen[path]; ok && !info.ModTime().After(prev) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.WithError(err).Warnf("read %s", path)
		return
	}

	chats := ParseExport(data, w.log)
	w.log.Infof("ingested %d chats from %s", len(chats), filepath.Base(path))
	for _, chat := range chats {
		select {
		case out <- chat:
		case <-ctx.Done():
			return
		}
	}
}
