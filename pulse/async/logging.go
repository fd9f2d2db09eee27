package async

import (
	"go.uber.org/zap"

	"github.com/teranos/segpulse/logger"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations.
// Level choice gives each phase a distinct look in the console encoder:
// - DEBUG → Starting (✿ startup and recovery)
// - WARN  → Closing (❀ shutdown)
// - INFO  → Pulse (꩜ attempts and transitions)
type pulseLogger struct {
	*zap.SugaredLogger
}

func newPulseLogger(l *zap.SugaredLogger, name string) pulseLogger {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return pulseLogger{l.Named(name)}
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Debugw(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Warnw(msg, keysAndValues...)
}

// Pulse logs general job processing (꩜)
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}
