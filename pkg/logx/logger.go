package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields apply in order; a repeated key
// keeps the later value.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a structured logger. One created from a Service follows every
// Service.Apply. The zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewConsole returns a standalone console logger, used before the Service
// is configured and by one-shot CLI commands.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(w).Level(parseLevel(level, LevelDebug)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) log(level Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func parseLevel(s string, def Level) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return def
	}
}
