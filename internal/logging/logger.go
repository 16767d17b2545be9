package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"loom/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level   string
	Format  string
	Writer  io.Writer
	NoColor bool
	// Development adds source locations to every record.
	Development bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	handler, err := newHandler(opts)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options) (slog.Handler, error) {
	level := parseLevel(opts.Level)
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	addSource := opts.Development || level <= slog.LevelDebug

	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "json":
		return newJSONHandler(w, level, addSource), nil
	case "console", "":
		return newConsoleHandler(w, level, addSource, !opts.NoColor && IsTerminal(w)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// RunLogger is the logger for one pipeline run. Output goes to the configured
// writer and, as JSON, to a per-run file under the log directory.
type RunLogger struct {
	*slog.Logger
	Path string
	file *os.File
}

// NewRunLogger opens <log_dir>/loom-<runID>.log and tees the run's records into it.
func NewRunLogger(cfg *config.Config, runID string, w io.Writer) (*RunLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("run logger: config is required")
	}
	console, err := newHandler(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: w})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Paths.LogDir) == "" {
		return &RunLogger{Logger: slog.New(console)}, nil
	}
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	path := filepath.Join(cfg.Paths.LogDir, RunLogName(runID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	fileHandler := newJSONHandler(file, parseLevel(cfg.Logging.Level), false)
	logger := slog.New(newTeeHandler(console, fileHandler)).With(String(FieldRunID, runID))
	return &RunLogger{Logger: logger, Path: path, file: file}, nil
}

// Close flushes and closes the run log file.
func (r *RunLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// RunLogName is the per-run log file name; RunLogPattern matches all of them.
func RunLogName(runID string) string {
	return "loom-" + runID + ".log"
}

// RunLogPattern matches every per-run log file for retention pruning.
const RunLogPattern = "loom-*.log"

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
