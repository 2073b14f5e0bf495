package vault

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/autopilot/logging"
)

const eventChannelBuffer = 256

// Op is the kind of change observed on a workspace document.
type Op string

// Watch operations.
const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpMoved    Op = "moved"
	OpDeleted  Op = "deleted"
)

// Event is a change notification for a single document. Watching is an
// optimisation over polling; consumers must tolerate duplicates and treat the
// stream as semantically equivalent to re-listing folders.
type Event struct {
	Folder Folder
	ID     string
	Op     Op
}

// WatcherConfig configures a workspace watcher.
type WatcherConfig struct {
	// DebounceDelay is how long to wait for more changes before emitting.
	// Defaults to 100ms.
	DebounceDelay time.Duration
}

// Watcher pushes document change notifications from the workspace folders.
type Watcher struct {
	manager *Manager
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op // path → accumulated ops

	events chan Event

	dropped atomic.Int64
}

// Watch creates a watcher over every workspace folder. Call Start to begin
// receiving events.
func (m *Manager) Watch(cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}

	return &Watcher{
		manager: m,
		config:  cfg,
		watcher: fsw,
		logger:  logging.New("vault:watcher", ""),
		pending: make(map[string]fsnotify.Op),
		events:  make(chan Event, eventChannelBuffer),
	}, nil
}

// Events returns the channel of change notifications.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start adds watches for every document folder and begins processing until
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, f := range Folders {
		if f == FolderLogs {
			continue // log appends would flood the stream
		}
		if err := w.watcher.Add(w.manager.folderPath(f)); err != nil {
			return fmt.Errorf("watch folder %s: %w", f, err)
		}
	}

	go w.processEvents(ctx)

	w.logger.Info(ctx, "start_watching", logging.Data{
		Output: map[string]any{"root": w.manager.root},
	})
	return nil
}

// Stop closes the watcher. The event channel closes once the processing
// goroutine drains.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Dropped returns the number of events discarded due to channel overflow.
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)

	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.accumulate(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(ctx, "watch", err, logging.Data{})

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) accumulate(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] |= event.Op
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		folder, id, ok := w.resolve(path)
		if !ok {
			continue
		}
		w.send(Event{Folder: folder, ID: id, Op: opFor(op)})
	}
}

// resolve maps an absolute path back to its (folder, id) address.
func (w *Watcher) resolve(path string) (Folder, string, bool) {
	rel, err := filepath.Rel(w.manager.root, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return Folder(parts[0]), strings.TrimSuffix(parts[1], ".json"), true
}

func opFor(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Rename):
		return OpMoved
	case op.Has(fsnotify.Remove):
		return OpDeleted
	case op.Has(fsnotify.Create):
		return OpCreated
	default:
		return OpModified
	}
}

func (w *Watcher) send(event Event) {
	select {
	case w.events <- event:
	default:
		w.dropped.Add(1)
	}
}
