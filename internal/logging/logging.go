// Package logging builds the zerolog logger used across dgi.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name; empty means warn.
	Level string
	// File, when set, receives the log through a rotating writer instead of
	// stderr.
	File string
	// JSON selects JSON lines on stderr instead of the console format.
	// File output is always JSON.
	JSON bool
	// NoColor disables colour in console output.
	NoColor bool
}

// New returns a logger writing per opts, plus a closer for the file writer
// (a no-op when logging to stderr).
func New(opts Options, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.WarnLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		level = l
	}

	var w io.Writer
	var closer io.Closer = nopCloser{}
	switch {
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		w, closer = lj, lj
	case opts.JSON:
		w = stderr
	default:
		w = zerolog.ConsoleWriter{
			Out:        stderr,
			NoColor:    opts.NoColor,
			TimeFormat: time.Kitchen,
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
