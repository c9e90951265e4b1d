package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

func testEvents(n int) []audit.Event {
	events := make([]audit.Event, n)
	for i := range events {
		events[i] = audit.Event{
			Timestamp: time.Date(2026, 6, 1, 12, 0, i, 0, time.UTC),
			EventType: audit.EventTypeDecision,
			RequestID: "req-1",
			Decision: &audit.DecisionEvent{
				PrincipalID: "user-1",
				ToolSlug:    "github",
				Action:      "push",
			},
		}
	}
	return events
}

func TestWriterSinkJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	if err := s.Write(context.Background(), testEvents(3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		lines++
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if ev.EventType != audit.EventTypeDecision {
			t.Errorf("EventType = %q", ev.EventType)
		}
		if ev.Decision == nil || ev.Decision.PrincipalID != "user-1" {
			t.Errorf("Decision = %+v", ev.Decision)
		}
	}
	if lines != 3 {
		t.Errorf("lines = %d, want one per event", lines)
	}
}

func TestWriterSinkEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	if err := s.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("empty batch produced output: %q", buf.String())
	}
}

func TestFileSinkWrite(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	s, err := NewFileSink(FileSinkConfig{Dir: dir}, logger)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer s.Close()

	if err := s.Write(context.Background(), testEvents(2)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	name := "audit-" + time.Now().UTC().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	lines := bytes.Count(data, []byte{'\n'})
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestFileSinkAppendsAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	s, err := NewFileSink(FileSinkConfig{Dir: dir}, logger)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Write(ctx, testEvents(1)); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if err := s.Write(ctx, testEvents(1)); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	name := "audit-" + time.Now().UTC().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if lines := bytes.Count(data, []byte{'\n'}); lines != 2 {
		t.Errorf("lines = %d, want 2 appended", lines)
	}
}

func TestFileSinkRetention(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	expired := filepath.Join(dir, "audit-2020-01-01.log")
	if err := os.WriteFile(expired, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write expired file: %v", err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	s, err := NewFileSink(FileSinkConfig{Dir: dir, RetentionDays: 7}, logger)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Error("expired audit file survived retention cleanup")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("retention cleanup removed a non-audit file")
	}
}
