package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	// Safe no-op logger until Initialize() runs
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. Logs always go to stderr; stdout
// belongs to command output (tables, `am show`, `version --json`).
// SEGPULSE_LOG_LEVEL, when set, overrides the starting level.
func Initialize(jsonOutput bool) error {
	if lvl := os.Getenv("SEGPULSE_LOG_LEVEL"); lvl != "" {
		if err := SetLevel(lvl); err != nil {
			return err
		}
	}

	JSONOutput = jsonOutput
	Logger = zap.New(newCore(jsonOutput, zapcore.Lock(os.Stderr)), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
	return nil
}

// newCore builds the JSON core for log shippers or the minimal console core.
// Both share the atomic level so SetLevel applies to every logger.
func newCore(jsonOutput bool, out zapcore.WriteSyncer) zapcore.Core {
	if !jsonOutput {
		return zapcore.NewCore(newMinimalEncoder(), out, level)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(cfg), out, level)
}

// SetLevel changes the global log level at runtime ("debug", "info", "warn", "error").
// Loggers already handed out by ComponentLogger observe the change.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// SetVerbosity maps CLI -v flag counts onto the global log level
func SetVerbosity(verbosity int) {
	level.SetLevel(VerbosityToLevel(verbosity))
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	_ = Logger.Sync()
}

// Infow logs on the global logger
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Errorw logs on the global logger
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Warnw logs on the global logger
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Debugw logs on the global logger
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
