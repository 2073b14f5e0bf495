package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectEvent(t *testing.T, ch <-chan Event, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case e, ok := <-ch:
		return e, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestWatcherObservesCreate(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := m.Watch(WatcherConfig{DebounceDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := m.Create(ctx, FolderNeedsAction, "t1", map[string]any{"type": "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	event, ok := collectEvent(t, w.Events(), 2*time.Second)
	if !ok {
		t.Fatal("expected a watch event")
	}
	if event.Folder != FolderNeedsAction {
		t.Errorf("expected Needs_Action, got %s", event.Folder)
	}
	if event.ID != "t1" {
		t.Errorf("expected id t1, got %s", event.ID)
	}
}

func TestWatcherObservesDelete(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Create(ctx, FolderPlans, "p1", map[string]any{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	w, err := m.Watch(WatcherConfig{DebounceDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Delete(ctx, FolderPlans, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-w.Events():
			if e.ID == "p1" && e.Op == OpDeleted {
				return
			}
		case <-deadline:
			t.Fatal("expected a delete event for p1")
		}
	}
}

func TestWatcherIgnoresNonJSON(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := m.Watch(WatcherConfig{DebounceDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Non-JSON writes must not surface as events.
	path := filepath.Join(m.folderPath(FolderPlans), "notes.txt")
	if err := os.WriteFile(path, []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if e, ok := collectEvent(t, w.Events(), 300*time.Millisecond); ok {
		t.Errorf("expected no event for non-json file, got %+v", e)
	}
}
