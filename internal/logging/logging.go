// Package logging provides categorized file-based logging for threadwatch.
// Each category writes to its own file under {appdir}/logs/, backed by zap.
// Debug-level output is gated by the debug-mode config flag.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a subsystem log stream.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup and wiring
	CategoryConfig  Category = "config"  // Config load/save/reload
	CategoryStore   Category = "store"   // SQLite storage engine
	CategoryRepo    Category = "repo"    // Repository cache
	CategoryScraper Category = "scraper" // Board polling and normalization
	CategoryLLM     Category = "llm"     // Ollama gateway calls
	CategoryCluster Category = "cluster" // Clustering engine
	CategoryMonitor Category = "monitor" // Passive monitor cycles
	CategoryBus     Category = "bus"     // Event bus dispatch
	CategoryUpdater Category = "updater" // Release updater
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	logsDir   string
	debugMode bool
	fallback  = zap.NewNop().Sugar()
)

// Initialize sets up the logs directory. Must be called once at startup
// before any Get. When debug is false, loggers stay at info level.
func Initialize(dir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if dir == "" {
		return fmt.Errorf("logs directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	logsDir = dir
	debugMode = debug

	// Reset any loggers created against a previous directory (tests).
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// Get returns (or creates) the logger for the given category.
// Before Initialize it returns a no-op logger, so packages can log
// unconditionally.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()

	if dir == "" {
		return fallback
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l, err := newFileLogger(dir, category, debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s log: %v\n", category, err)
		l = fallback
	}
	loggers[category] = l
	return l
}

// Sync flushes all open loggers. Called at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}

func newFileLogger(dir string, category Category, debug bool) (*zap.SugaredLogger, error) {
	path := filepath.Join(dir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(f)),
		level,
	)
	return zap.New(core).Named(string(category)).Sugar(), nil
}
