package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger writes text logs to stdout and, when logFile is set, JSON logs
// to that file as well. The returned closer releases the file.
func newLogger(fs afero.Fs, stdout io.Writer, level, logFile string) (*slog.Logger, func() error, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	textHandler := slog.NewTextHandler(stdout, opts)
	if logFile == "" {
		return slog.New(textHandler), func() error { return nil }, nil
	}

	if err := fs.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := fs.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(
		slog.NewJSONHandler(f, opts),
		textHandler,
	))
	return logger, f.Close, nil
}
