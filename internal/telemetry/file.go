package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures a JSONL file sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// FileSink appends one JSON object per line to a size-rotated file.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink opens a rotating JSONL sink.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("telemetry file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 20
	}
	return newFileSink(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}), nil
}

func newFileSink(w io.WriteCloser) *FileSink {
	return &FileSink{w: w}
}

// Append writes ev as one line.
func (s *FileSink) Append(_ context.Context, ev Event) error {
	line, err := Encode(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
