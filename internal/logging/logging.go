// Package logging provides the leveled, colorized console logger used
// throughout the dispatcher, folding the usual scattered color-coded
// print helpers into a single structured Logger the rest of the
// module depends on instead of calling fmt.Println directly.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Field is a structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value string
}

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field {
	return Field{Key: key, Value: fmt.Sprintf("%d", value)}
}
func Float(key string, value float64) Field {
	return Field{Key: key, Value: fmt.Sprintf("%g", value)}
}
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the leveled logging interface the dispatcher, scheduler,
// and admin surfaces all take as a dependency instead of talking to
// stdout directly.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

var (
	debugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6ef4a1ff"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4C56E"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	fieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
)

func styleFor(l Level) lipgloss.Style {
	switch l {
	case LevelDebug:
		return debugStyle
	case LevelWarn:
		return warnStyle
	case LevelError:
		return errorStyle
	default:
		return infoStyle
	}
}

// consoleLogger writes leveled, colorized lines to a writer. Not
// itself a formal actor: writes are serialized by an internal mutex
// since, unlike the dispatcher, arbitrary goroutines (HTTP handlers,
// the admin API, background telemetry ticks) all log concurrently.
type consoleLogger struct {
	mu     *sync.Mutex
	out    *os.File
	min    Level
	base   []Field
}

// New creates a Logger that writes to os.Stderr at or above min.
func New(min Level) Logger {
	return &consoleLogger{mu: &sync.Mutex{}, out: os.Stderr, min: min}
}

func (l *consoleLogger) With(fields ...Field) Logger {
	return &consoleLogger{
		mu:   l.mu,
		out:  l.out,
		min:  l.min,
		base: append(append([]Field(nil), l.base...), fields...),
	}
}

func (l *consoleLogger) log(level Level, msg string, fields []Field) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	style := styleFor(level)
	ts := time.Now().UTC().Format("15:04:05.000")
	line := style.Render(fmt.Sprintf("[%s] %-5s %s", ts, strings.ToUpper(level.String()), msg))

	all := append(append([]Field(nil), l.base...), fields...)
	if len(all) > 0 {
		parts := make([]string, 0, len(all))
		for _, f := range all {
			parts = append(parts, fieldStyle.Render(f.Key+"=")+f.Value)
		}
		line += " " + strings.Join(parts, " ")
	}
	fmt.Fprintln(l.out, line)
}

func (l *consoleLogger) Debug(_ context.Context, msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *consoleLogger) Info(_ context.Context, msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *consoleLogger) Warn(_ context.Context, msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *consoleLogger) Error(_ context.Context, msg string, fields ...Field) { l.log(LevelError, msg, fields) }

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}
func (n noopLogger) With(...Field) Logger                  { return n }

// Noop returns a Logger that discards everything, used as the default
// when a caller does not care about dispatcher diagnostics.
func Noop() Logger { return noopLogger{} }
