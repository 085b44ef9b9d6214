package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

// LogFileName is the log file created inside log_dir.
const LogFileName = "chunkup.log"

// tabHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
type tabHandler struct {
	w     io.Writer
	runID string
	attrs []slog.Attr
}

func (h *tabHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *tabHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")

	// Build the line first so concurrent requests never interleave fields.
	line := fmt.Sprintf("%s\t%s\t%s\t%s", ts, r.Level.String(), h.runID, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *tabHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &tabHandler{
		w:     h.w,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *tabHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger writing to logDir/chunkup.log,
// mirrored to stderr when stderr is a terminal. With an empty logDir the
// logger writes to stderr only. It returns the open log file (nil without
// logDir) for cleanup.
func newLogger(logDir string, runID string) (*slog.Logger, *os.File, error) {
	if logDir == "" {
		return slog.New(&tabHandler{w: os.Stderr, runID: runID}), nil, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := &tabHandler{w: logWriter(f, os.Stderr, term.IsTerminal(int(os.Stderr.Fd()))), runID: runID}
	return slog.New(handler), f, nil
}

// logWriter returns the destination for log lines: the file, plus stderr
// when an operator is watching.
func logWriter(file io.Writer, stderr io.Writer, interactive bool) io.Writer {
	if interactive {
		return io.MultiWriter(file, stderr)
	}
	return file
}

// slogAdapter wraps *slog.Logger to satisfy the upload.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
