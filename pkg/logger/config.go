package logger

import (
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
)

var (
	sinkMu   sync.Mutex
	sinkFile *rotatingWriter // nil when logging to stdout/stderr
	lastCfg  *config.LoggingConfig
)

// InitFromConfig initializes the default logger from the configuration.
// A nil config keeps the defaults (INFO level, stderr).
func InitFromConfig(cfg *config.Config) error {
	var section *config.LoggingConfig
	if cfg != nil {
		c := cfg.Logging
		section = &c
	}
	return applyLoggingConfig(section)
}

func applyLoggingConfig(section *config.LoggingConfig) error {
	level := INFO
	var output io.Writer = os.Stderr
	var file *rotatingWriter

	if section != nil && section.Level != "" {
		level = ParseLogLevel(section.Level)
	}

	if section != nil {
		switch section.File {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			maxBytes := int64(0)
			if section.MaxSize != "" {
				if n, err := humanize.ParseBytes(section.MaxSize); err == nil {
					maxBytes = int64(n)
				}
			}
			w, err := newRotatingWriter(section.File, maxBytes)
			if err != nil {
				return err
			}
			output = w
			file = w
		}
	}

	l := NewLogger(level)
	l.SetOutput(output)
	SetDefaultLogger(l)

	sinkMu.Lock()
	if sinkFile != nil && sinkFile != file {
		_ = sinkFile.Close()
	}
	sinkFile = file
	lastCfg = section
	sinkMu.Unlock()

	return nil
}

// ReopenAfterFork drops the inherited file handle and rebuilds the logger from
// the last applied configuration. A forked child shares the parent's file
// offset and mutex state, so it must start over on its own handle.
func ReopenAfterFork() error {
	sinkMu.Lock()
	section := lastCfg
	if sinkFile != nil {
		_ = sinkFile.Close()
		sinkFile = nil
	}
	sinkMu.Unlock()
	return applyLoggingConfig(section)
}
