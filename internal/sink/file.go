package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
)

const activeFileName = "metrics.jsonl"

// FileSink appends events as JSON lines and rotates the file by size
type FileSink struct {
	logger *zap.Logger
	config config.FileSinkConfig
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewFileSink creates the sink directory and opens the active file
func NewFileSink(cfg config.FileSinkConfig, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	s := &FileSink{
		logger: logger.Named("file-sink"),
		config: cfg,
		now:    time.Now,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

// Write appends one line per event
func (s *FileSink) Write(ctx context.Context, events []model.MetricEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, e := range events {
		if err := encoder.Encode(toRecord(e)); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", e.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	n, err := s.file.Write(buf.Bytes())
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	if s.config.MaxFileSize > 0 && s.size >= s.config.MaxFileSize {
		if err := s.rotate(); err != nil {
			s.logger.Error("Failed to rotate metrics file", zap.Error(err))
		}
	}
	return nil
}

// Cleanup removes rotated files older than the configured max age
func (s *FileSink) Cleanup(now time.Time) int {
	if s.config.MaxAge <= 0 {
		return 0
	}

	removed := 0
	err := filepath.Walk(s.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() == activeFileName || !strings.HasSuffix(info.Name(), ".jsonl") {
			return nil
		}

		if now.Sub(info.ModTime()) > s.config.MaxAge {
			if err := os.Remove(path); err != nil {
				s.logger.Error("Failed to remove old metrics file",
					zap.String("path", path),
					zap.Error(err))
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to clean metrics directory", zap.Error(err))
	}
	return removed
}

// Close closes the active file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *FileSink) open() error {
	path := filepath.Join(s.config.Dir, activeFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat metrics file: %w", err)
	}
	s.file = file
	s.size = info.Size()
	return nil
}

// rotate renames the active file with a timestamp suffix. Caller holds s.mu.
func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}

	active := filepath.Join(s.config.Dir, activeFileName)
	rotated := filepath.Join(s.config.Dir,
		fmt.Sprintf("metrics-%s.jsonl", s.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(active, rotated); err != nil {
		// keep appending to the oversized file rather than losing events
		if openErr := s.open(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("failed to rotate metrics file: %w", err)
	}

	s.logger.Debug("Rotated metrics file", zap.String("path", rotated))
	s.Cleanup(s.now())
	return s.open()
}
