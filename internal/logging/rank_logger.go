package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewRankLogger so a rank's log lines land both in the
// worker's global logger and in that rank's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the rank file must never silence the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewRankLogger builds a logger that writes both to baseLogger and to a
// dedicated per-rank file:
//
//	{logDir}/rank.{rank}.log
//
// matching the worker's use of a per-rank log for post-mortem debugging
// (spec §6.5). It returns the enriched logger, an io.Closer for the rank
// file, and the file's path (logDir joined with the file name). The Closer
// must be called when the worker shuts down. If logDir is empty, NewRankLogger is a no-op that
// returns baseLogger unchanged.
func NewRankLogger(baseLogger *slog.Logger, logDir string, rank int) (*slog.Logger, io.Closer, string, error) {
	if logDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating rank log directory %s: %w", logDir, err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("rank.%d.log", rank))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening rank log file %s: %w", logPath, err)
	}

	// The rank file always captures DEBUG regardless of the base logger's
	// level, since it exists specifically for post-mortem inspection.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined).With("rank", rank), f, logPath, nil
}

// TranscriptWriter adapts a *slog.Logger into an io.Writer so the worker
// can tee its backend PTY's raw stdin/stdout through the same per-rank
// log NewRankLogger builds (spec §6.5), one DEBUG record per write rather
// than a second, unframed raw file — the rank log stays valid JSON lines
// while still carrying the raw transcript for post-mortem inspection.
type TranscriptWriter struct {
	logger *slog.Logger
}

// NewTranscriptWriter wraps logger for use as a worker.Worker.Transcript.
func NewTranscriptWriter(logger *slog.Logger) *TranscriptWriter {
	return &TranscriptWriter{logger: logger}
}

func (t *TranscriptWriter) Write(p []byte) (int, error) {
	t.logger.Debug("pty transcript", "data", string(p))
	return len(p), nil
}
