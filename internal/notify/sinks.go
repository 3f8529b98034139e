// internal/notify/sinks.go
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// Sink delivers an event to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// ConsoleSink prints the result line, followed by the diagnostics of an
// ERROR. It is the primary sink.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink writes to w, normally stdout.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, ev.Line); err != nil {
		return err
	}
	if ev.Detail == "" {
		return nil
	}
	_, err := io.WriteString(s.w, ev.Detail)
	return err
}

// ResultLogSink appends the result line to a size-rotated file.
type ResultLogSink struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
}

// NewResultLogSink appends to cfg.ResultLog. Rotated files are kept
// according to ResultLogMaxMB and ResultLogKeep.
func NewResultLogSink(cfg config.ReportConfig) *ResultLogSink {
	return &ResultLogSink{
		logger: &lumberjack.Logger{
			Filename:   cfg.ResultLog,
			MaxSize:    cfg.ResultLogMaxMB,
			MaxBackups: cfg.ResultLogKeep,
			LocalTime:  false,
		},
	}
}

func (s *ResultLogSink) Name() string { return "result_log" }

func (s *ResultLogSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.logger, ev.Line+"\n"); err != nil {
		return fmt.Errorf("failed to append to result log %s: %w", s.logger.Filename, err)
	}
	return nil
}

// Close releases the file handle.
func (s *ResultLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Close()
}
