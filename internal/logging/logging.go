package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

// LevelTrace is below debug. The version search logs every candidate it
// decodes at this level.
const LevelTrace = slog.LevelDebug - 4

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the global slog logger.
// Console output goes to stderr so that dumps can be written to stdout.
// If logOutputDir is non-empty, logs are also written as JSON lines to a
// timestamped file in that directory; the returned closer closes it.
func Setup(fs afero.Fs, levelStr string, logOutputDir string) (io.Closer, error) {
	logger, closer, err := New(fs, os.Stderr, levelStr, logOutputDir, time.Now())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// New builds the logger installed by Setup, writing console output to console.
func New(fs afero.Fs, console io.Writer, levelStr string, logOutputDir string, now time.Time) (*slog.Logger, io.Closer, error) {
	level := parseLogLevel(levelStr)

	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:       level,
		ReplaceAttr: renameTrace,
	})

	if logOutputDir == "" {
		return slog.New(consoleHandler), nopCloser{}, nil
	}

	logDir := os.ExpandEnv(logOutputDir)
	if err := fs.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log output directory: %w", err)
	}

	logFilePath := filepath.Join(logDir, fmt.Sprintf("mintywz_%s.log", now.Format("20060102_150405")))
	logFile, err := fs.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameTrace,
	})

	fmt.Fprintf(console, "Logging to file: %s\n", logFilePath)
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler)), logFile, nil
}

func renameTrace(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
