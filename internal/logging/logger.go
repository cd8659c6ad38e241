// Package logging provides categorized structured logging for evoopt.
// Every category writes through one zap core; categories can be muted
// individually. Until Initialize is called all loggers are silent.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryEngine     Category = "engine"     // Optimization loop state transitions
	CategoryEvaluator  Category = "evaluator"  // Candidate scoring
	CategoryGenerator  Category = "generator"  // Population seeding and evolution
	CategorySelector   Category = "selector"   // Survivor selection
	CategoryController Category = "controller" // Stop decisions
	CategoryTactile    Category = "tactile"    // Subprocess execution, temp files
	CategoryJudge      Category = "judge"      // Semantic judge adapters
	CategorySafety     Category = "safety"     // Redaction and leak guard
	CategoryRegistry   Category = "registry"   // Component registration
	CategoryStore      Category = "store"      // Run history persistence
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	JSONFormat bool
	Categories map[string]bool
	OutputPath string
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

// Initialize builds the shared zap logger from cfg.
func Initialize(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !cfg.JSONFormat {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if cfg.OutputPath != "" {
		zcfg.OutputPaths = []string{cfg.OutputPath}
	} else {
		zcfg.OutputPaths = []string{"stderr"}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetBase(logger, cfg.Categories)

	Get(CategoryBoot).Debug("logging initialized (level=%s, json=%v)", level, cfg.JSONFormat)
	return nil
}

// SetBase replaces the shared zap logger. Tests use it with zaptest/observer.
func SetBase(logger *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	base = logger
	categories = cats
	loggers = make(map[Category]*Logger)
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Reset returns logging to the silent default.
func Reset() {
	SetBase(nil, nil)
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// IsCategoryEnabled reports whether category is not muted.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Muted categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := zap.NewNop()
	if categoryEnabledLocked(category) {
		zl = base.With(zap.String("category", string(category)))
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying additional structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...interface{}) { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...interface{}) { Get(CategoryEngine).Error(format, args...) }

func Evaluator(format string, args ...interface{}) { Get(CategoryEvaluator).Info(format, args...) }
func EvaluatorDebug(format string, args ...interface{}) { Get(CategoryEvaluator).Debug(format, args...) }
func EvaluatorWarn(format string, args ...interface{}) { Get(CategoryEvaluator).Warn(format, args...) }

func Generator(format string, args ...interface{}) { Get(CategoryGenerator).Info(format, args...) }
func GeneratorDebug(format string, args ...interface{}) { Get(CategoryGenerator).Debug(format, args...) }
func GeneratorWarn(format string, args ...interface{}) { Get(CategoryGenerator).Warn(format, args...) }

func SelectorDebug(format string, args ...interface{}) { Get(CategorySelector).Debug(format, args...) }
func ControllerDebug(format string, args ...interface{}) { Get(CategoryController).Debug(format, args...) }
func Controller(format string, args ...interface{}) { Get(CategoryController).Info(format, args...) }

func Tactile(format string, args ...interface{}) { Get(CategoryTactile).Info(format, args...) }
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }
func TactileWarn(format string, args ...interface{}) { Get(CategoryTactile).Warn(format, args...) }
func TactileError(format string, args ...interface{}) { Get(CategoryTactile).Error(format, args...) }

func Judge(format string, args ...interface{}) { Get(CategoryJudge).Info(format, args...) }
func JudgeDebug(format string, args ...interface{}) { Get(CategoryJudge).Debug(format, args...) }
func JudgeWarn(format string, args ...interface{}) { Get(CategoryJudge).Warn(format, args...) }

func SafetyWarn(format string, args ...interface{}) { Get(CategorySafety).Warn(format, args...) }

func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }

func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
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

// Fatalf writes to stderr and exits. Only the CLI uses it.
func Fatalf(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
	Sync()
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
