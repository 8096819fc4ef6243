package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation defaults.
const (
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 7
)

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string // debug|info|warn|error, default info
	Format string // text|json, default text
	File   string // optional rotating log file in addition to stdout
}

// ParseLevel maps a level name to slog.Level. ok is false for unknown names.
func ParseLevel(s string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger builds a logger writing to w (and cfg.File when set). The returned
// closer releases the log file and is a no-op without one.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, io.Closer) {
	lvl, _ := ParseLevel(cfg.Level)
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f := &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAge:     DefaultLogMaxAgeDays,
		}
		w = io.MultiWriter(w, f)
		closer = f
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer
}

// SetupLogging installs the default logger on stdout.
func SetupLogging(cfg LogConfig) io.Closer {
	logger, closer := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	if _, ok := ParseLevel(cfg.Level); !ok {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.Level))
	}
	lvl, _ := ParseLevel(cfg.Level)
	logger.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", cfg.Format), slog.String("file", cfg.File))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
