package logger

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelDisabled
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace:    "trace",
	LogLevelDebug:    "debug",
	LogLevelInfo:     "info",
	LogLevelWarn:     "warn",
	LogLevelError:    "error",
	LogLevelDisabled: "silent",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает имя уровня; неизвестные имена дают info
func ParseLevel(s string) LogLevel {
	s = strings.ToLower(strings.TrimSpace(s))
	for level, name := range logLevelNames {
		if name == s {
			return level
		}
	}
	return LogLevelInfo
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelDisabled:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку; поля ошибок с контекстом добавляются автоматически
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// FieldsError ошибка, несущая собственные поля лога
type FieldsError interface {
	error
	LogFields() []Field
}

// Config конфигурация логгера
type Config struct {
	// Level минимальный уровень
	Level string `yaml:"level"`
	// Format json или console
	Format string `yaml:"format"`
	// Output куда писать (по умолчанию stderr)
	Output io.Writer `yaml:"-"`
}

// ZerologLogger реализация StructuredLogger поверх zerolog
type ZerologLogger struct {
	zl    zerolog.Logger
	level LogLevel
}

// New создает логгер по конфигурации
func New(cfg Config) *ZerologLogger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level := ParseLevel(cfg.Level)
	zl := zerolog.New(w).With().Timestamp().Logger().Level(level.zerolog())
	return &ZerologLogger{zl: zl, level: level}
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *ZerologLogger) IsEnabled(level LogLevel) bool {
	return level >= l.level && l.level != LogLevelDisabled
}

// WithComponent создает logger с указанным компонентом
func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return &ZerologLogger{zl: l.zl.With().Str("component", component).Logger(), level: l.level}
}

// WithFields создает logger с дополнительными полями
func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	c := l.zl.With()
	for _, f := range fields {
		c = c.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{zl: c.Logger(), level: l.level}
}

func (l *ZerologLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.zl.Trace(), msg, fields)
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.zl.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.zl.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.zl.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.zl.Error(), msg, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *ZerologLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
		var fe FieldsError
		if errors.As(err, &fe) {
			fields = append(fields, fe.LogFields()...)
		}
	}
	l.write(ctx, ev, msg, fields)
}

func (l *ZerologLogger) write(ctx context.Context, ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	if id := SessionFromContext(ctx); id != "" {
		ev = ev.Str("session_id", id)
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

type sessionKey struct{}

// WithSession возвращает контекст с идентификатором сессии для логов
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFromContext извлекает идентификатор сессии из контекста
func SessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// NoOpLogger логгер, который ничего не делает
type NoOpLogger struct{}

func (NoOpLogger) Trace(context.Context, string, ...Field)           {}
func (NoOpLogger) Debug(context.Context, string, ...Field)           {}
func (NoOpLogger) Info(context.Context, string, ...Field)            {}
func (NoOpLogger) Warn(context.Context, string, ...Field)            {}
func (NoOpLogger) Error(context.Context, string, ...Field)           {}
func (NoOpLogger) LogError(context.Context, error, string, ...Field) {}
func (n NoOpLogger) WithComponent(string) StructuredLogger           { return n }
func (n NoOpLogger) WithFields(...Field) StructuredLogger            { return n }
func (NoOpLogger) IsEnabled(LogLevel) bool                           { return false }
