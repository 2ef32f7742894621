package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging severity.
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
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	if f == JSON {
		return "json"
	}
	return "text"
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field. Fields with an empty key are
// skipped when rendering.
type Field struct {
	Key   string
	Value any
}

func String(key, v string) Field        { return Field{Key: key, Value: v} }
func Int(key string, v int) Field       { return Field{Key: key, Value: v} }
func Uint64(key string, v uint64) Field { return Field{Key: key, Value: v} }
func Float(key string, v float64) Field { return Field{Key: key, Value: v} }
func Bool(key string, v bool) Field     { return Field{Key: key, Value: v} }
func Any(key string, v any) Field       { return Field{Key: key, Value: v} }

func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d.String()}
}

// Err renders an error under the "error" key; nil yields nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags entries with the emitting subsystem.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

type holder struct{ l Logger }

var defaultLogger atomic.Pointer[holder]

// Default returns the process-wide logger. Until SetDefault is called it
// writes warnings and errors to stderr.
func Default() Logger {
	if h := defaultLogger.Load(); h != nil {
		return h.l
	}
	defaultLogger.CompareAndSwap(nil, &holder{l: New(Warn, Text, os.Stderr)})
	return defaultLogger.Load().l
}

// SetDefault replaces the process-wide logger. nil is ignored.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger.Store(&holder{l: l})
	}
}

// Nop returns a logger that drops everything.
func Nop() Logger { return New(Error+1, Text, io.Discard) }

// sink serializes writes of whole lines; loggers derived with With share it.
type sink struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	_, _ = s.out.Write(line)
	s.mu.Unlock()
}

type logger struct {
	level  Level
	format Format
	fields []Field
	sink   *sink
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	return &logger{level: level, format: format, sink: &sink{out: out, now: time.Now}}
}

func (l *logger) With(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &logger{level: l.level, format: l.format, fields: combined, sink: l.sink}
}

func (l *logger) Enabled(level Level) bool { return level >= l.level }

func (l *logger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.log(Error, msg, fields) }

func (l *logger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	ts := l.sink.now()
	var buf bytes.Buffer
	if l.format == JSON {
		appendJSON(&buf, ts, level, msg, l.fields, fields)
	} else {
		appendText(&buf, ts, level, msg, l.fields, fields)
	}
	l.sink.write(buf.Bytes())
}

// appendText renders "2006-01-02T15:04:05.000Z07:00 [LEVEL] msg key=value ...".
func appendText(buf *bytes.Buffer, ts time.Time, level Level, msg string, groups ...[]Field) {
	buf.WriteString(ts.Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteString(" [")
	buf.WriteString(level.String())
	buf.WriteString("] ")
	buf.WriteString(msg)
	for _, fields := range groups {
		for _, f := range fields {
			if f.Key == "" {
				continue
			}
			buf.WriteByte(' ')
			buf.WriteString(f.Key)
			buf.WriteByte('=')
			buf.WriteString(textValue(f.Value))
		}
	}
	buf.WriteByte('\n')
}

func textValue(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'g', -1, 32)
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// appendJSON writes one object with time, level and msg first and fields in
// call order. Values json cannot encode are rendered as strings.
func appendJSON(buf *bytes.Buffer, ts time.Time, level Level, msg string, groups ...[]Field) {
	buf.WriteString(`{"time":`)
	writeJSONValue(buf, ts.Format(time.RFC3339Nano))
	buf.WriteString(`,"level":`)
	writeJSONValue(buf, level.String())
	buf.WriteString(`,"msg":`)
	writeJSONValue(buf, msg)
	for _, fields := range groups {
		for _, f := range fields {
			if f.Key == "" {
				continue
			}
			buf.WriteByte(',')
			writeJSONValue(buf, f.Key)
			buf.WriteByte(':')
			writeJSONValue(buf, f.Value)
		}
	}
	buf.WriteString("}\n")
}

func writeJSONValue(buf *bytes.Buffer, v any) {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		v = strconv.FormatFloat(f, 'g', -1, 64)
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	buf.Write(data)
}
