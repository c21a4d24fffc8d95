package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/nfrund/remora/internal/topics"
)

// FeedWatcher turns fixture files into bus events: dropping or editing
// <topic>.json under the watched directory publishes its contents on
// <topic>. It exists so demos and manual tests can produce events with
// nothing but a text editor.
type FeedWatcher struct {
	dir    string
	fs     afero.Fs
	pub    Publisher
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFeedWatcher watches dir. Change notifications come from the real
// filesystem; the reading side goes through afero so tests can swap in
// a memory-backed one.
func NewFeedWatcher(dir string, pub Publisher, logger *slog.Logger) *FeedWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedWatcher{
		dir:    dir,
		fs:     afero.NewOsFs(),
		pub:    pub,
		logger: logger,
	}
}

// Start begins watching. It fails fast if the directory cannot be
// watched, before any events are promised.
func (w *FeedWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})

	go w.run(ctx)
	w.logger.Info("Feed watcher started", "dir", w.dir)
	return nil
}

func (w *FeedWatcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			w.processFile(ctx, ev.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Feed watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// processFile publishes one fixture file. Files without a .json suffix,
// invalid JSON (including the empty half of an editor's
// truncate-then-write), and names that are not valid topics are skipped
// with a log line; a fixture directory is a place people fumble in.
func (w *FeedWatcher) processFile(ctx context.Context, path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return
	}
	topic := topics.Topic(strings.TrimSuffix(base, ".json"))
	if err := topic.Validate(); err != nil {
		w.logger.Warn("Skipping fixture with unusable name", "file", base, "error", err)
		return
	}

	payload, err := afero.ReadFile(w.fs, path)
	if err != nil {
		w.logger.Warn("Failed to read fixture", "file", base, "error", err)
		return
	}
	if !json.Valid(payload) {
		w.logger.Warn("Skipping fixture with invalid JSON", "file", base)
		return
	}

	if err := w.pub.Publish(ctx, topic, payload); err != nil {
		w.logger.Error("Failed to publish fixture", "topic", topic, "error", err)
		return
	}
	w.logger.Info("Published fixture", "topic", topic, "bytes", len(payload))
}

// Close stops the watcher and waits for the loop to drain.
func (w *FeedWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
