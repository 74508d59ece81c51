// Package logging sets up the supervisor's own diagnostic log: a
// slog.TextHandler writing to both stderr and a lumberjack-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
)

// Options configures the supervisor log file's rotation policy.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions sets conservative rotation thresholds for the supervisor
// log.
func DefaultOptions(path string) Options {
	return Options{Path: path, MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 28}
}

// New builds the supervisor's root logger and returns it alongside a
// closer for the rotated log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	fileLogger := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stderr, fileLogger)
	handler := slog.NewTextHandler(mw, &slog.HandlerOptions{AddSource: false})
	logger := slog.New(handler)
	return logger, fileLogger, nil
}
