package logging

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err is shorthand for the conventional error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "err", Value: nil}
	}
	return Field{Key: "err", Value: err.Error()}
}

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

// core is shared by every derived logger so writes stay serialized no
// matter how many With() children exist.
type core struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

type logfmtLogger struct {
	core   *core
	fields []Field
}

func New(out io.Writer, level Level) Logger {
	if out == nil {
		out = os.Stdout
	}
	return &logfmtLogger{core: &core{out: out, level: level}}
}

func Nop() Logger {
	return &logfmtLogger{core: &core{out: io.Discard, level: Error + 1}}
}

func (l *logfmtLogger) Enabled(level Level) bool {
	return l != nil && level >= l.core.level
}

func (l *logfmtLogger) With(fields ...Field) Logger {
	if l == nil {
		return Nop()
	}
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &logfmtLogger{core: l.core, fields: merged}
}

func (l *logfmtLogger) Debug(msg string, fields ...Field) { l.write(Debug, msg, fields) }
func (l *logfmtLogger) Info(msg string, fields ...Field)  { l.write(Info, msg, fields) }
func (l *logfmtLogger) Warn(msg string, fields ...Field)  { l.write(Warn, msg, fields) }
func (l *logfmtLogger) Error(msg string, fields ...Field) { l.write(Error, msg, fields) }

func (l *logfmtLogger) write(level Level, msg string, fields []Field) {
	if l == nil || level < l.core.level {
		return
	}
	var buf bytes.Buffer
	appendPair(&buf, "ts", time.Now().UTC().Format(time.RFC3339Nano))
	appendPair(&buf, "level", level.String())
	appendPair(&buf, "msg", msg)
	for _, field := range l.fields {
		appendPair(&buf, field.Key, field.Value)
	}
	for _, field := range fields {
		appendPair(&buf, field.Key, field.Value)
	}
	buf.WriteByte('\n')

	l.core.mu.Lock()
	_, _ = l.core.out.Write(buf.Bytes())
	l.core.mu.Unlock()
}

func appendPair(buf *bytes.Buffer, key string, value any) {
	if buf.Len() > 0 {
		buf.WriteByte(' ')
	}
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(formatValue(value))
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return quoteIfNeeded(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case time.Duration:
		return quoteIfNeeded(v.String())
	case fmt.Stringer:
		return quoteIfNeeded(v.String())
	case error:
		return quoteIfNeeded(v.Error())
	default:
		return quoteIfNeeded(fmt.Sprintf("%v", v))
	}
}

func quoteIfNeeded(value string) string {
	if value == "" {
		return `""`
	}
	if strings.ContainsAny(value, " \t\n\r\"=") {
		return strconv.Quote(value)
	}
	return value
}

// NewID returns a short random identifier for correlating log lines.
func NewID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf[:])
}
