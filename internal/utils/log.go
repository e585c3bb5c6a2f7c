package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Log is the shared logger. Silent until SetLogger runs, so library use and
// tests stay quiet.
var Log = zerolog.Nop()

// SetLogger configures console output on stderr plus a persistent log file
// under the build root, so a crashed build leaves its trail on disk.
func SetLogger(logDir string) {
	level := zerolog.InfoLevel
	if os.Getenv("LIVEFORGE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if logDir != "" {
		_ = os.MkdirAll(logDir, os.ModeDir|os.ModePerm)
		logfile, err := os.OpenFile(filepath.Join(logDir, "liveforge.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			writers = append(writers, logfile)
		}
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(level)
}
