package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sfmbatch/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

// Setup configures run logging: every record is echoed to stdout and, when file
// output is enabled, appended to <sourceDir>/<file_name>. The returned closer
// releases the log file.
func Setup(cfg *config.Config, sourceDir string) (*slog.Logger, func() error, error) {
	writers := []io.Writer{os.Stdout}
	closer := func() error { return nil }

	var logFile string
	if cfg.Logging.FileOutput && sourceDir != "" {
		if err := os.MkdirAll(sourceDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create source directory: %w", err)
		}
		logFile = filepath.Join(sourceDir, cfg.Logging.FileName)
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file.Close
	}

	logger := newLogger(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"log_file", logFile,
	)
	return logger, closer, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(&TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  lvl,
	})
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// groups are flattened
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogStageStart logs the beginning of a pipeline stage.
func LogStageStart(logger *slog.Logger, runID, stage string, details map[string]any) {
	logger.Info("stage started",
		"run", runID,
		"stage", stage,
		"details", details,
	)
}

// LogStageComplete logs successful stage completion.
func LogStageComplete(logger *slog.Logger, runID, stage string, duration time.Duration, result map[string]any) {
	logger.Info("stage completed",
		"run", runID,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.Round(time.Millisecond).String(),
		"result", result,
	)
}

// LogStageError logs a stage failure.
func LogStageError(logger *slog.Logger, runID, stage string, duration time.Duration, err error) {
	logger.Error("stage failed",
		"run", runID,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogAttempt logs one external command attempt.
func LogAttempt(logger *slog.Logger, attempt, total int, command string, exitCode int, err error) {
	if err == nil {
		logger.Info("command succeeded",
			"attempt", fmt.Sprintf("%d/%d", attempt, total),
			"command", command,
		)
		return
	}
	logger.Warn("command failed",
		"attempt", fmt.Sprintf("%d/%d", attempt, total),
		"command", command,
		"exit_code", exitCode,
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Warn("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
