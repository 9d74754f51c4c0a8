// Package logging provides config-driven categorized file-based logging for
// conductor. Logs are written to <base>/logs/ with a separate file per
// category. When debug mode is off, logging is a silent no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and initialization
	CategoryTurn       Category = "turn"       // Turn directory and manifest
	CategoryContext    Category = "context"    // Context document operations
	CategoryPack       Category = "pack"       // Recipe loading and pack assembly
	CategoryTools      Category = "tools"      // Tool catalog and execution
	CategoryGate       Category = "gate"       // Permission and approval decisions
	CategoryWorkflow   Category = "workflow"   // Workflow registry and step runner
	CategoryForge      Category = "forge"      // Self-extension pipeline
	CategoryLoop       Category = "loop"       // Coordinator/executor/planning loops
	CategoryPhase      Category = "phase"      // Phase runner
	CategoryValidation Category = "validation" // Validation and retry controller
	CategoryLLM        Category = "llm"        // LLM API calls
	CategoryUsage      Category = "usage"      // Usage/metrics store
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig to avoid
// a circular import.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
}

type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	basePath     string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the base path.
func Initialize(base string) error {
	if base == "" {
		return fmt.Errorf("base path required")
	}

	basePath = base
	logsDir = filepath.Join(basePath, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== conductor logging initialized ===")
	boot.Info("Base path: %s", basePath)
	boot.Info("Log level: %s", config.Level)
	return nil
}

// loadConfig reads <base>/config.json if present.
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	data, err := os.ReadFile(filepath.Join(basePath, "config.json"))
	if err != nil {
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("invalid config.json: %w", err)
	}

	config = cf.Logging
	configLoaded = true
	switch config.Level {
	case "debug", "":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	}
	return nil
}

// SetDebugMode forces debug mode on or off. Used by tests and the CLI
// --debug flag.
func SetDebugMode(enabled bool) {
	configMu.Lock()
	defer configMu.Unlock()
	config.DebugMode = enabled
	if enabled && logsDir != "" {
		_ = os.MkdirAll(logsDir, 0755)
	}
}

// enabled reports whether the category should emit at the given level.
func enabled(cat Category, level int) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if level < logLevel {
		return false
	}
	if len(config.Categories) > 0 {
		if on, ok := config.Categories[string(cat)]; ok && !on {
			return false
		}
	}
	return true
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[cat]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	l = &Logger{category: cat}
	if logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		}
	}
	if l.logger == nil {
		l.logger = log.New(os.Stderr, fmt.Sprintf("[%s] ", cat), log.LstdFlags)
	}
	loggers[cat] = l
	return l
}

// Close closes all open log files. Call at shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) output(level int, prefix, format string, args ...interface{}) {
	if !enabled(l.category, level) {
		return
	}
	l.logger.Printf(prefix+format, args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(LevelDebug, "DEBUG ", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.output(LevelInfo, "INFO  ", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(LevelWarn, "WARN  ", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.output(LevelError, "ERROR ", format, args...)
}
