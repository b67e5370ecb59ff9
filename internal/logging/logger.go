// Package logging provides config-driven categorized logging for kiln.
// Every category is a named child of one zap logger; categories can be switched
// off individually. Until Initialize or SetBase is called all loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, CLI wiring
	CategoryConfig   Category = "config"   // Config loading and validation
	CategoryPipeline Category = "pipeline" // Dependency graph, handler chain
	CategoryReactor  Category = "reactor"  // Reactor adapters, compaction digests
	CategorySession  Category = "session"  // Session runtime, token budget
	CategoryHandlers Category = "handlers" // Built-in handlers
	CategoryStore    Category = "store"    // Event log storage
	CategoryWatch    Category = "watch"    // Filesystem watcher
)

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	Dir        string          // when set, logs go to Dir/kiln.log instead of stderr
	Categories map[string]bool // missing entries are enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg. It may be called more than once;
// the previous logger is flushed and replaced.
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var zcfg zap.Config
	if cfg.JSONFormat {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, "kiln.log")
		zcfg.OutputPaths = []string{path}
		zcfg.ErrorOutputPaths = []string{path}
	} else {
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
	}

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	install(l, cfg.Categories)
	Get(CategoryBoot).Debug("logging initialized: level=%s json=%v dir=%q", level, cfg.JSONFormat, cfg.Dir)
	return nil
}

// SetBase installs an externally built zap logger with every category enabled.
// Passing nil restores the no-op logger.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	install(l, nil)
}

func install(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()

	_ = base.Sync()
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// Base returns the underlying zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabled(category)
}

func categoryEnabled(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := zap.NewNop()
	if categoryEnabled(category) {
		zl = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered log entries.
func Sync() error {
	return Base().Sync()
}

// CloseAll flushes and resets to the no-op logger (call at shutdown).
func CloseAll() {
	SetBase(nil)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs errors to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// PipelineWarn logs warnings to the pipeline category
func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warn(format, args...)
}

// Reactor logs to the reactor category
func Reactor(format string, args ...interface{}) {
	Get(CategoryReactor).Info(format, args...)
}

// ReactorDebug logs debug to the reactor category
func ReactorDebug(format string, args ...interface{}) {
	Get(CategoryReactor).Debug(format, args...)
}

// ReactorWarn logs warnings to the reactor category
func ReactorWarn(format string, args ...interface{}) {
	Get(CategoryReactor).Warn(format, args...)
}

// ReactorError logs errors to the reactor category
func ReactorError(format string, args ...interface{}) {
	Get(CategoryReactor).Error(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// SessionWarn logs warnings to the session category
func SessionWarn(format string, args ...interface{}) {
	Get(CategorySession).Warn(format, args...)
}

// Handlers logs to the handlers category
func Handlers(format string, args ...interface{}) {
	Get(CategoryHandlers).Info(format, args...)
}

// HandlersDebug logs debug to the handlers category
func HandlersDebug(format string, args ...interface{}) {
	Get(CategoryHandlers).Debug(format, args...)
}

// HandlersWarn logs warnings to the handlers category
func HandlersWarn(format string, args ...interface{}) {
	Get(CategoryHandlers).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreError logs errors to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Watch logs to the watch category
func Watch(format string, args ...interface{}) {
	Get(CategoryWatch).Info(format, args...)
}

// WatchDebug logs debug to the watch category
func WatchDebug(format string, args ...interface{}) {
	Get(CategoryWatch).Debug(format, args...)
}

// WatchWarn logs warnings to the watch category
func WatchWarn(format string, args ...interface{}) {
	Get(CategoryWatch).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
