// Package logger предоставляет логирование с префиксом сервиса поверх zerolog.
// Запись идёт через неблокирующий diode-буфер: при переполнении логи теряются,
// но вызывающий код никогда не ждёт. Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	asyncBufferSize = 8192
	slowCall        = 100 * time.Millisecond
)

var (
	mu     sync.RWMutex
	base   zerolog.Logger
	debug  bool
	once   sync.Once
	output io.Writer = os.Stderr
)

func initBase() {
	w := diode.NewWriter(output, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	base = zerolog.New(w).With().Timestamp().Logger()
	applyLevel(os.Getenv("LOG_LEVEL"))
}

func applyLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug", "trace":
		debug = true
		base = base.Level(zerolog.DebugLevel)
	case "warn":
		debug = false
		base = base.Level(zerolog.WarnLevel)
	default:
		debug = false
		base = base.Level(zerolog.InfoLevel)
	}
}

func get() zerolog.Logger {
	once.Do(initBase)
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Init задаёт уровень логирования и формат. pretty включает человекочитаемый вывод (для -dev).
func Init(level string, pretty bool) {
	once.Do(initBase)
	mu.Lock()
	defer mu.Unlock()
	if pretty {
		base = base.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly})
	}
	applyLevel(level)
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api").
func SetPrefix(p string) {
	once.Do(initBase)
	mu.Lock()
	defer mu.Unlock()
	base = base.With().Str("service", p).Logger()
}

// Component возвращает дочерний логгер с полем component для структурированных логов.
func Component(name string) zerolog.Logger {
	l := get()
	return l.With().Str("component", name).Logger()
}

func Info(v ...any) {
	l := get()
	l.Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	l := get()
	l.Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	l := get()
	l.Warn().Msgf(format, v...)
}

func Debugf(format string, v ...any) {
	l := get()
	l.Debug().Msgf(format, v...)
}

func Error(v ...any) {
	l := get()
	l.Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	l := get()
	l.Error().Msgf(format, v...)
}

// LogDuration логирует имя функции и время выполнения.
// При LOG_LEVEL=debug логирует все вызовы, иначе только дольше 100ms.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if debug || elapsed >= slowCall {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("timing")
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("Handler", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
