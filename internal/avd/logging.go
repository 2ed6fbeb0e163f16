// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var avdLogger atomic.Pointer[slog.Logger]

func init() {
	avdLogger.Store(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// SetLogOutput sends JSON log records to w at the given level. It is safe to
// call while tasks are running.
func SetLogOutput(w io.Writer, level slog.Level) {
	avdLogger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func logEvent(env Env, message string, fields ...any) {
	now := time.Now().UTC()
	baseFields := []any{"timestamp_ns", now.UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	avdLogger.Load().Info(message, allFields...)
	emitOTel(env, now, message, allFields)
}

// emitOTel mirrors a record to the global OpenTelemetry logger provider,
// which is a no-op unless the host installed one.
func emitOTel(env Env, ts time.Time, message string, fields []any) {
	logger := global.GetLoggerProvider().Logger("avdshell")
	var rec otellog.Record
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("INFO")
	rec.SetBody(otellog.StringValue(message))
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		rec.AddAttributes(otelKeyValue(key, fields[i+1]))
	}
	logger.Emit(spanContext(env), rec)
}

func otelKeyValue(key string, v any) otellog.KeyValue {
	switch val := v.(type) {
	case string:
		return otellog.String(key, val)
	case int:
		return otellog.Int(key, val)
	case int64:
		return otellog.Int64(key, val)
	case bool:
		return otellog.Bool(key, val)
	case float64:
		return otellog.Float64(key, val)
	case error:
		return otellog.String(key, val.Error())
	default:
		return otellog.String(key, fmt.Sprint(val))
	}
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newLineLogWriter(env Env, fields ...any) io.Writer {
	return newLineLogWriterWithMessage(env, "emulator output", fields...)
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}
