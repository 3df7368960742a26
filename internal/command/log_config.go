package command

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joeycumines/openoverlay/internal/config"
)

// newLogger builds the process logger from the resolved settings. Logs go to
// w unless a log file is configured, in which case the returned closer must be
// closed once the command finishes.
func newLogger(w io.Writer, s config.Settings) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", s.LogLevel)
	}

	format := strings.ToLower(s.LogFormat)
	if format != "text" && format != "json" && format != "" {
		return nil, nil, fmt.Errorf("invalid log format: %s", s.LogFormat)
	}

	var closer io.Closer = io.NopCloser(nil)
	if s.LogFile != "" {
		f, err := openRotatingFile(s.LogFile, s.LogMaxSizeMB, s.LogMaxFiles)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", s.LogFile, err)
		}
		w, closer = f, f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), closer, nil
}
