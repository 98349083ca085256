package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions controls the rotated log file written by the daemon.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Tee also copies every line to stderr.
	Tee bool
}

// OpenOutput builds the writer passed to Init. An empty path logs to
// stderr only. The returned closer must be called on shutdown.
func OpenOutput(opts FileOptions) (io.Writer, io.Closer, error) {
	if opts.Path == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	if opts.Tee {
		return io.MultiWriter(os.Stderr, lj), lj, nil
	}
	return lj, lj, nil
}
