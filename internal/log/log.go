// Package log provides structured, colored logging for the gossip node.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Component names carried in the "component" field.
const (
	ComponentP2P    = "p2p"
	ComponentGossip = "gossip"
	ComponentRPC    = "rpc"
	ComponentNode   = "node"
)

// consoleTimeFormat is the timestamp layout of console output.
const consoleTimeFormat = "15:04:05"

// Logger is the global logger instance.
var Logger zerolog.Logger

// logFile is the file opened by the last Init, if any.
var logFile *os.File

var levels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
}

// Init replaces the global logger. Console output is colored unless
// jsonOutput is set. A non-empty file additionally receives every entry as
// a JSON line.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = os.Stdout
	if !jsonOutput {
		out = consoleWriter(os.Stdout)
	}
	var f *os.File
	if file != "" {
		var err error
		f, err = os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	prev := logFile
	Logger = newLogger(out, parseLevel(level))
	logFile = f
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close closes the log file opened by Init and points the global logger
// back at stdout.
func Close() error {
	if logFile == nil {
		return nil
	}
	f := logFile
	logFile = nil
	Logger = NewConsoleLogger(os.Stdout, Logger.GetLevel().String())
	return f.Close()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), parseLevel(level))
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, parseLevel(level))
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	return ok
}

// parseLevel converts a level name to zerolog.Level, defaulting to info.
func parseLevel(level string) zerolog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithPeer returns a component logger carrying a peer address field.
func WithPeer(component, addr string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("peer", addr).Logger()
}

// Benchmark logs the time between the call and the returned func at debug.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
