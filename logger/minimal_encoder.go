package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Gruvbox dark palette (warm, muted, easy on eyes)
const (
	colorReset  = "\x1b[0m"
	colorBold   = "\x1b[1m"
	colorFg     = "\x1b[38;5;223m"
	colorAqua   = "\x1b[38;5;108m"
	colorOrange = "\x1b[38;5;208m"
	colorYellow = "\x1b[38;5;214m"
	colorGreen  = "\x1b[38;5;142m"
	colorBlue   = "\x1b[38;5;109m"
	colorPurple = "\x1b[38;5;175m"
	colorRed    = "\x1b[38;5;167m"
	colorGray   = "\x1b[38;5;245m"
)

var bufferPool = buffer.NewPool()

// minimalEncoder implements a calm, compact console encoder.
// Format: "13:04:35  p.scheduler  Attempt finished  job_id=3f2a… status=waiting_retry"
//
// Context fields added via With() are captured in the embedded map encoder and
// rendered together with per-entry fields.
type minimalEncoder struct {
	*zapcore.MapObjectEncoder
}

func newMinimalEncoder() *minimalEncoder {
	return &minimalEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return &minimalEncoder{MapObjectEncoder: clone}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := bufferPool.Get()

	final.AppendString(colorGray)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level: only shown when it is not INFO
	if ent.Level != zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorOrange)
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	final.AppendString(colorFg)
	final.AppendString(ent.Message)
	final.AppendString(colorReset)

	merged := zapcore.NewMapObjectEncoder()
	for k, v := range enc.Fields {
		merged.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(merged)
	}
	if len(merged.Fields) > 0 {
		final.AppendString("  ")
		final.AppendString(renderFields(merged.Fields))
	}

	final.AppendString("\n")
	return final, nil
}

// abbreviateName shortens dotted logger names: "pulse.scheduler" -> "p.scheduler"
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] != "" {
			parts[i] = parts[i][:1]
		}
	}
	return strings.Join(parts, ".")
}

func levelColorString(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return colorGray + "DEBUG" + colorReset
	case zapcore.WarnLevel:
		return colorBold + colorYellow + "WARN" + colorReset
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + colorRed + strings.ToUpper(level.String()) + colorReset
	default:
		return level.CapitalString()
	}
}

// renderFields prints key=value pairs in key order; the symbol field leads.
func renderFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == FieldSymbol {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if s, ok := fields[FieldSymbol]; ok {
		b.WriteString(colorGreen)
		b.WriteString(fmt.Sprint(s))
		b.WriteString(colorReset)
		b.WriteString(" ")
	}
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(colorGray)
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(colorReset)
		b.WriteString(colorValue(k))
		b.WriteString(fmt.Sprint(fields[k]))
		b.WriteString(colorReset)
	}
	return b.String()
}

func colorValue(key string) string {
	switch key {
	case FieldJobID, FieldRequestID:
		return colorBlue
	case FieldError:
		return colorRed
	case FieldStatus, FieldFromStatus:
		return colorAqua
	case FieldCount, FieldBatchSize, FieldTotalCount, FieldSucceeded, FieldFailed,
		FieldSkipped, FieldRetryCount, FieldMaxRetries:
		return colorPurple
	default:
		return colorFg
	}
}
