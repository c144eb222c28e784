// Package logx provides component-scoped structured logging for the
// coordination core. Every component gets its own named logger so log
// lines can be filtered by subsystem (breaker, coordinator, workflow...).
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a component-scoped logger. Methods are printf-style so call
// sites stay terse; structure (timestamp, level, component) is added by
// the underlying zerolog writer.
type Logger struct {
	component string
	zl        zerolog.Logger
}

//nolint:gochecknoglobals // Process-wide log sink, configured once at startup.
var (
	baseOnce sync.Once
	baseMu   sync.RWMutex
	baseOut  io.Writer = os.Stderr
	baseLvl            = zerolog.InfoLevel
)

func initBase() {
	baseOnce.Do(func() {
		if lvl := os.Getenv("AGENTCORE_LOG_LEVEL"); lvl != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(lvl)); err == nil {
				baseLvl = parsed
			}
		}
		if os.Getenv("DEBUG") == "1" || os.Getenv("DEBUG") == "true" {
			baseLvl = zerolog.DebugLevel
		}
	})
}

// SetOutput redirects all loggers created after the call. Intended for
// tests that want to capture or silence log output.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseOut = w
}

// SetLevel overrides the process-wide log level.
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLvl = parsed
	return nil
}

// NewLogger creates a logger scoped to the given component name.
func NewLogger(component string) *Logger {
	initBase()
	baseMu.RLock()
	out := baseOut
	lvl := baseLvl
	baseMu.RUnlock()

	zl := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{component: component, zl: zl}
}

// Component returns the component name this logger is scoped to.
func (l *Logger) Component() string {
	return l.component
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// Errorf logs an error-level message and returns it as an error so call
// sites can log and propagate in one step.
func (l *Logger) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	l.zl.Error().Msg(err.Error())
	return err
}

//nolint:gochecknoinits // zerolog global time format set once at import.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
