package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCorrelationContext(t *testing.T) {
	t.Run("round trips the pair", func(t *testing.T) {
		ctx := WithCorrelation(context.Background(), "corr-1", "user-1")
		corr := CorrelationFrom(ctx)
		if corr.CorrelationID != "corr-1" {
			t.Errorf("expected corr-1, got %s", corr.CorrelationID)
		}
		if corr.UserID != "user-1" {
			t.Errorf("expected user-1, got %s", corr.UserID)
		}
	})

	t.Run("empty context yields zero values", func(t *testing.T) {
		corr := CorrelationFrom(context.Background())
		if corr.CorrelationID != "" || corr.UserID != "" {
			t.Errorf("expected zero correlation, got %+v", corr)
		}
	})
}

func TestLoggerWritesJSONL(t *testing.T) {
	root := t.TempDir()
	logger := New("loop:driver", root)

	ctx := WithCorrelation(context.Background(), "corr-42", "u-7")
	logger.Info(ctx, "cycle:start", Data{Input: map[string]any{"cycleNumber": 1}})

	file := filepath.Join(root, "loop", time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.Open(file)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", file, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}

	var entry Entry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}

	if entry.Level != LevelInfo {
		t.Errorf("expected info level, got %s", entry.Level)
	}
	if entry.Source != "loop:driver" {
		t.Errorf("expected source loop:driver, got %s", entry.Source)
	}
	if entry.Action != "cycle:start" {
		t.Errorf("expected action cycle:start, got %s", entry.Action)
	}
	if entry.CorrelationID != "corr-42" {
		t.Errorf("expected correlation corr-42, got %s", entry.CorrelationID)
	}
	if entry.UserID != "u-7" {
		t.Errorf("expected user u-7, got %s", entry.UserID)
	}
}

func TestLoggerCategories(t *testing.T) {
	tests := []struct {
		source   string
		category string
	}{
		{"agent:news", "agents"},
		{"loop:driver", "loop"},
		{"vault:manager", "system"},
		{"dispatcher", "system"},
	}

	for _, tc := range tests {
		l := New(tc.source, "")
		if got := l.category(); got != tc.category {
			t.Errorf("source %s: expected category %s, got %s", tc.source, tc.category, got)
		}
	}
}

func TestLoggerErrorRecord(t *testing.T) {
	root := t.TempDir()
	logger := New("vault:manager", root)

	logger.Error(context.Background(), "move_file", os.ErrNotExist, Data{})

	file := filepath.Join(root, "system", time.Now().Format("2006-01-02")+".jsonl")
	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw[:len(raw)-1], &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Error == nil {
		t.Fatal("expected error detail")
	}
	if entry.Error.Message == "" {
		t.Error("expected error message")
	}
	if entry.Level != LevelError {
		t.Errorf("expected error level, got %s", entry.Level)
	}
}

func TestTimer(t *testing.T) {
	logger := New("test", "")
	stop := logger.Timer()
	time.Sleep(5 * time.Millisecond)
	if elapsed := stop(); elapsed < 1 {
		t.Errorf("expected positive elapsed time, got %d", elapsed)
	}
}
