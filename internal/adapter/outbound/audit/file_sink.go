// Package audit provides audit sink adapters: a JSON Lines file sink
// with daily rotation and retention, and a NATS JetStream publisher.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// FileSinkConfig holds configuration for the file-based audit sink.
type FileSinkConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 7).
	RetentionDays int
}

// auditFilePattern matches audit log filenames: audit-YYYY-MM-DD.log
var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.log$`)

// FileSink implements audit.Sink with JSON Lines files, one per day,
// with retention cleanup on rotation.
type FileSink struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	logger      *slog.Logger
}

// NewFileSink creates the directory if needed and opens today's file.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileSink{
		dir:           cfg.Dir,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
	}
	if err := s.rotateLocked(time.Now().UTC()); err != nil {
		return nil, err
	}
	return s, nil
}

// Write appends the batch as JSON Lines, rotating on date change.
func (s *FileSink) Write(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if now.Format("2006-01-02") != s.currentDate {
		if err := s.rotateLocked(now); err != nil {
			return err
		}
	}

	w := bufio.NewWriter(s.currentFile)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("audit event marshal failed", "error", err)
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return s.currentFile.Sync()
}

// rotateLocked opens the file for the given day and prunes expired
// files. Must be called with the mutex held.
func (s *FileSink) rotateLocked(now time.Time) error {
	if s.currentFile != nil {
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	date := now.Format("2006-01-02")
	path := filepath.Join(s.dir, "audit-"+date+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	s.currentFile = f
	s.currentDate = date

	s.cleanup(now)
	return nil
}

// cleanup removes audit files older than the retention window.
func (s *FileSink) cleanup(now time.Time) {
	cutoff := now.AddDate(0, 0, -s.retentionDays).Format("2006-01-02")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audit retention scan failed", "dir", s.dir, "error", err)
		return
	}
	for _, e := range entries {
		m := auditFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("audit retention delete failed", "file", e.Name(), "error", err)
		} else {
			s.logger.Info("audit file expired", "file", e.Name())
		}
	}
}

// Close closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

// Compile-time interface verification.
var _ audit.Sink = (*FileSink)(nil)
