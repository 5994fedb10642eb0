// Package logger builds the zerolog logger shared by the server and edge
// binaries: a colorized console writer, optionally paired with a rotating
// file writer.
package logger

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	dirPermMode  = 0744
	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// RollingFile configures an optional rotating log file in addition to the
// console writer.
type RollingFile struct {
	Dirname    string
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Config selects the minimum log level and an optional rolling file.
type Config struct {
	MinLevel zerolog.Level
	File     *RollingFile
}

// New builds a *zerolog.Logger writing to stderr (colorized when attached to
// a terminal) and, if Config.File is set, to a rotating log file as well.
func New(cfg Config) *zerolog.Logger {
	consoleOut := os.Stderr
	console := zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(consoleOut),
		NoColor:    !term.IsTerminal(int(consoleOut.Fd())),
		TimeFormat: consoleTimeFormat,
	}

	var writer io.Writer = console
	if cfg.File != nil {
		if err := os.MkdirAll(cfg.File.Dirname, dirPermMode); err == nil {
			roller := &lumberjack.Logger{
				Filename:   path.Join(cfg.File.Dirname, cfg.File.Filename),
				MaxSize:    orDefault(cfg.File.MaxSizeMB, 10),
				MaxBackups: cfg.File.MaxBackups,
				MaxAge:     cfg.File.MaxAgeDays,
			}
			writer = zerolog.MultiLevelWriter(console, roller)
		}
	}

	log := zerolog.New(writer).Level(cfg.MinLevel).With().Timestamp().Logger()
	return &log
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
