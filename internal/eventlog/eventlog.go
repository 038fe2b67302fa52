package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/ndjson"
)

// EventLog appends orchestrator events to an NDJSON file. It is an
// events.Sink; write failures are logged rather than surfaced to the task
// that emitted the event.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	skip    map[events.Kind]bool
}

// Option configures an EventLog
type Option func(*EventLog)

// WithoutTokens drops output_token events, which dominate log volume
func WithoutTokens() Option {
	return func(l *EventLog) {
		l.skip[events.KindOutputToken] = true
	}
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger, opts ...Option) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		skip:    make(map[events.Kind]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Write appends one event
func (l *EventLog) Write(e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}
	return l.encoder.Encode(e)
}

// Emit implements events.Sink
func (l *EventLog) Emit(e events.Event) {
	if l.skip[e.Kind] {
		return
	}
	if err := l.Write(e); err != nil {
		l.logger.Error("failed to write event", "kind", e.Kind, "task_id", e.TaskID, "error", err)
	}
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll loads every event from a log file, skipping malformed lines
func ReadAll(logPath string, logger *slog.Logger) ([]events.Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var out []events.Event
	for {
		var e events.Event
		prev := dec.Line()
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil && dec.Line() == prev {
			return out, err
		}
		if err != nil {
			logger.Warn("skipping malformed event", "line", dec.Line(), "error", err)
			continue
		}
		out = append(out, e)
	}
}
