package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by Init.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var (
	mu           sync.RWMutex
	globalLogger = zap.NewNop()
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the global logger. Unknown levels fall back to info; an unknown
// format is an error.
func Init(lvl, format string) error {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		cfg = zap.NewProductionConfig()
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	SetLevel(lvl)
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = built
	mu.Unlock()
	return nil
}

// SetLevel changes the level of loggers built by Init, including ones already
// handed out.
func SetLevel(lvl string) {
	parsed := zapcore.InfoLevel
	if err := parsed.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)
}

// Level reports the current level.
func Level() zapcore.Level {
	return level.Level()
}

// Replace swaps the global logger and returns a function restoring the previous one.
func Replace(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}

	mu.Lock()
	prev := globalLogger
	globalLogger = l
	mu.Unlock()

	return func() {
		mu.Lock()
		globalLogger = prev
		mu.Unlock()
	}
}

// Logger returns the global logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Sync flushes buffered log entries.
func Sync() error {
	return Logger().Sync()
}

// WithModule returns a child logger annotated with the module name.
func WithModule(module string) *zap.Logger {
	return Logger().With(zap.String("module", module))
}

// WithRecipient returns a module logger annotated with the mailbox owner.
func WithRecipient(module, recipient string) *zap.Logger {
	return WithModule(module).With(zap.String("recipient", recipient))
}
