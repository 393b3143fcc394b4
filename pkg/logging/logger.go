// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured event logging for Quill components.
//
// Every orchestration component (admission, bottleneck analysis, metrics log,
// revision loop, dashboard, workflow engine) logs through a Logger scoped
// with a "component" attribute. Records fan out to three destinations:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                           Logger                             │
//	│  ┌─────────────┐  ┌──────────────┐  ┌──────────────────────┐ │
//	│  │   stderr    │  │  JSON file   │  │      EventSink       │ │
//	│  │  (default)  │  │  (optional)  │  │ (pluggable, async)   │ │
//	│  └─────────────┘  └──────────────┘  └──────────────────────┘ │
//	└──────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Service: "quill"})
//	defer logger.Close()
//
//	admission := logger.Component("resources")
//	admission.Info("allocation granted", "handle", h, "cpu", 0.15)
//
// # Event Sinks
//
// An EventSink receives every record at or above the configured level as a
// structured Event. Sinks let tests assert on emitted events and let
// deployments forward events to an external collector:
//
//	sink := logging.NewBufferedSink()
//	logger := logging.New(logging.Config{Quiet: true, Sink: sink})
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe and Close is protected by a mutex.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels are ordered by severity: Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages such as
	// "workflow admitted" or "allocation released".
	LevelInfo

	// LevelWarn is for recoverable issues such as a missed sample
	// or an unknown handle reported twice.
	LevelWarn

	// LevelError is for failures the process survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string into a Level.
//
// # Inputs
//
//   - s: One of "debug", "info", "warn", "warning", "error" (case-insensitive).
//
// # Outputs
//
//   - Level: The parsed level. LevelInfo for an empty string.
//   - error: Non-nil if s is not a recognised level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger behavior.
//
// A zero-value Config writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables JSON file logging to "{Service}_{YYYY-MM-DD}.log"
	// inside the directory. Supports ~ expansion. Default: disabled.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// Writer replaces stderr as the console destination when set.
	Writer io.Writer

	// Sink receives every record at or above Level asynchronously.
	// Sink failures are dropped and never disrupt logging.
	Sink EventSink
}

// =============================================================================
// Event Sink
// =============================================================================

// EventSink receives structured events emitted by a Logger.
//
// # Implementation Requirements
//
//  1. Emit must not block for long. It is invoked on its own goroutine
//     with a one second deadline.
//  2. Flush must deliver everything buffered before returning.
//  3. Close releases resources and is called after Flush.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
	Flush(ctx context.Context) error
	Close() error
}

// Event is the structured form of one log record delivered to an EventSink.
type Event struct {
	Timestamp time.Time
	Level     Level
	Service   string

	// Component is the value of the "component" attribute, when present.
	Component string

	Message string
	Attrs   map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines.
//
// # Resource Management
//
// Call Close on the root logger to flush the sink and close the log file.
// Child loggers from With or Component share those resources and must not
// be closed separately.
type Logger struct {
	slog      *slog.Logger
	config    Config
	file      *os.File
	sink      EventSink
	component string
	attrs     map[string]any
	wg        *sync.WaitGroup
	mu        *sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// # Inputs
//
//   - config: Logger configuration.
//
// # Outputs
//
//   - *Logger: Ready to use. Close it to release the file and flush the sink.
//
// # Limitations
//
//   - A log directory that cannot be created silently disables file output.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	if !config.Quiet {
		out := config.Writer
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{
		config: config,
		sink:   config.Sink,
		attrs:  map[string]any{},
		wg:     &sync.WaitGroup{},
		mu:     &sync.Mutex{},
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "quill"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for the "quill" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "quill"})
}

// Discard returns a logger that drops every record. Intended for tests
// and for components constructed without an explicit logger.
func Discard() *Logger {
	return New(Config{Quiet: true})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// With returns a child Logger carrying additional attributes.
//
// The parent is not modified. The child shares the parent's file and sink.
func (l *Logger) With(args ...any) *Logger {
	child := l.clone()
	child.slog = l.slog.With(args...)
	for k, v := range argsToMap(args) {
		child.attrs[k] = v
	}
	if c, ok := child.attrs["component"].(string); ok {
		child.component = c
	}
	return child
}

// Component returns a child Logger tagged with the given component name.
//
// # Examples
//
//	detector := logger.Component("bottleneck")
//	detector.Warn("analysis skipped", "reason", "insufficient samples")
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close waits for in-flight sink deliveries, flushes and closes the sink,
// then syncs and closes the log file.
//
// # Outputs
//
//   - error: First error encountered during cleanup.
func (l *Logger) Close() error {
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.sink.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush sink: %w", err))
		}
		if err := l.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		l.sink = nil
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Sync blocks until every event dispatched so far has reached the sink.
func (l *Logger) Sync() {
	l.wg.Wait()
}

func (l *Logger) clone() *Logger {
	attrs := make(map[string]any, len(l.attrs))
	for k, v := range l.attrs {
		attrs[k] = v
	}
	return &Logger{
		slog:      l.slog,
		config:    l.config,
		file:      l.file,
		sink:      l.sink,
		component: l.component,
		attrs:     attrs,
		wg:        l.wg,
		mu:        l.mu,
	}
}

func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.sink == nil || level < l.config.Level {
		return
	}

	attrs := make(map[string]any, len(l.attrs)+len(args)/2)
	for k, v := range l.attrs {
		attrs[k] = v
	}
	for k, v := range argsToMap(args) {
		attrs[k] = v
	}
	delete(attrs, "component")

	event := Event{
		Timestamp: time.Now(),
		Level:     level,
		Service:   l.config.Service,
		Component: l.component,
		Message:   msg,
		Attrs:     attrs,
	}
	sink := l.sink
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sink.Emit(ctx, event)
	}()
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to several slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map. Values that are
// errors are stored as their message so sinks can serialize them.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, isErr := args[i+1].(error); isErr && err != nil {
			result[key] = err.Error()
			continue
		}
		result[key] = args[i+1]
	}
	return result
}

// =============================================================================
// Built-in Sinks
// =============================================================================

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(ctx context.Context, event Event) error { return nil }

// Flush is a no-op.
func (NopSink) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }

var _ EventSink = NopSink{}

// BufferedSink collects events in memory for assertions in tests.
//
//	sink := logging.NewBufferedSink()
//	logger := logging.New(logging.Config{Quiet: true, Sink: sink})
//	logger.Component("resources").Warn("sampler unavailable")
//	logger.Sync()
//	events := sink.Events()
type BufferedSink struct {
	mu     sync.Mutex
	events []Event
}

// NewBufferedSink creates an empty BufferedSink.
func NewBufferedSink() *BufferedSink {
	return &BufferedSink{events: make([]Event, 0, 64)}
}

// Emit appends the event.
func (s *BufferedSink) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Flush is a no-op.
func (s *BufferedSink) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *BufferedSink) Close() error { return nil }

// Events returns a copy of the collected events.
func (s *BufferedSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Filter returns the collected events emitted by the named component.
func (s *BufferedSink) Filter(component string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Component == component {
			out = append(out, e)
		}
	}
	return out
}

// WriterSink writes one line per event to an io.Writer.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterSink creates a WriterSink. The sink does not own w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes the event as "[time] LEVEL component: message attrs".
func (s *WriterSink) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s %s: %s %v\n",
		event.Timestamp.Format(time.RFC3339),
		event.Level,
		event.Component,
		event.Message,
		event.Attrs,
	)
	return err
}

// Flush is a no-op.
func (s *WriterSink) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *WriterSink) Close() error { return nil }
