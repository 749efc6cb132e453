package benteng

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Logger is the structured logger used for debug output.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DebugConfig selects which categories are logged.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogCircuit   bool
	LogQueue     bool
	LogOffline   bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config with every category selected.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogCircuit:   true,
		LogQueue:     true,
		LogOffline:   true,
		RequestIDGen: uuid.NewString,
	}
}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger}
}

// NewSimpleLogger logs text records at debug level to stderr.
func NewSimpleLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &slogLogger{logger: slog.New(handler).With("component", "benteng")}
}

func (l *slogLogger) Debug(msg string, keysAndValues ...any) { l.logger.Debug(msg, keysAndValues...) }
func (l *slogLogger) Info(msg string, keysAndValues ...any)  { l.logger.Info(msg, keysAndValues...) }
func (l *slogLogger) Warn(msg string, keysAndValues ...any)  { l.logger.Warn(msg, keysAndValues...) }
func (l *slogLogger) Error(msg string, keysAndValues ...any) { l.logger.Error(msg, keysAndValues...) }

// debugLog gates a component's debug output on the client's DebugConfig.
type debugLog struct {
	logger Logger
	debug  *DebugConfig
}

func (d debugLog) enabled(category func(*DebugConfig) bool) bool {
	return d.logger != nil && d.debug != nil && d.debug.Enabled && category(d.debug)
}

func (d debugLog) log(category func(*DebugConfig) bool, msg string, keysAndValues ...any) {
	if d.enabled(category) {
		d.logger.Debug(msg, keysAndValues...)
	}
}

// warn is not gated by DebugConfig.
func (d debugLog) warn(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, keysAndValues...)
	}
}

func requestsCategory(d *DebugConfig) bool { return d.LogRequests }
func retriesCategory(d *DebugConfig) bool  { return d.LogRetries }
func cacheCategory(d *DebugConfig) bool    { return d.LogCache }
func circuitCategory(d *DebugConfig) bool  { return d.LogCircuit }
func queueCategory(d *DebugConfig) bool    { return d.LogQueue }
func offlineCategory(d *DebugConfig) bool  { return d.LogOffline }
