// Package logx wraps zerolog with the console/JSON auto-detection and
// structured-field helpers the canon CLI shares across commands.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set up by Init.
var Logger zerolog.Logger

// Level mirrors the CLI-facing log levels accepted by --log-level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init builds the global logger.
type Config struct {
	Level Level
	// JSONOutput forces console (false) or JSON (true) formatting. Nil
	// auto-selects based on whether Output is a terminal.
	JSONOutput *bool
	// Output defaults to os.Stderr; stdout is reserved for command
	// payloads (worklist/ls/facts output).
	Output io.Writer
}

// Init initializes the global Logger and returns a child logger carrying a
// fresh run_id, used to correlate the per-item warnings one command
// invocation emits.
func Init(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	jsonOutput := cfg.JSONOutput != nil && *cfg.JSONOutput
	if cfg.JSONOutput == nil {
		jsonOutput = !isTerminal(output)
	}

	if jsonOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	return Logger.With().Str("run_id", uuid.NewString()).Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WithComponent creates a child logger tagging the catalog subsystem that
// produced a line (e.g. "scanner", "importer", "applier").
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithRoot attaches the root a log line concerns.
func WithRoot(l zerolog.Logger, rootID int64) zerolog.Logger {
	return l.With().Int64("root_id", rootID).Logger()
}

// DebugSQLProfile returns a profile callback suitable for
// Catalog.SetDebug: it logs every query at debug level with its duration
// and truncated text.
func DebugSQLProfile(l zerolog.Logger) func(sqlText string, dur time.Duration) {
	return func(sqlText string, dur time.Duration) {
		const maxLen = 200
		text := sqlText
		if len(text) > maxLen {
			text = text[:maxLen] + "…"
		}
		l.Debug().Dur("duration", dur).Str("sql", text).Msg("query")
	}
}
