// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

var cliLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// InitCLILogger configures CLILogger to write human-readable lines to stderr.
// Verbose enables debug output.
func InitCLILogger(service string, verbose bool) {
	if verbose {
		cliLevel.SetLevel(zapcore.DebugLevel)
	} else {
		cliLevel.SetLevel(zapcore.InfoLevel)
	}
	CLILogger = NewLogger(zapcore.Lock(os.Stderr), cliLevel).Named(service)
}

// SetLevel changes the CLI log level by name (debug, info, warn, error).
func SetLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cliLevel.SetLevel(l)
	return nil
}

// NewLogger builds a console logger writing to w.
func NewLogger(w zapcore.WriteSyncer, level zapcore.LevelEnabler) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeCaller = nil
	enc.CallerKey = ""
	enc.StacktraceKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, level)
	return zap.New(core)
}
