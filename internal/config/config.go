package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all evoopt configuration.
type Config struct {
	Name string `yaml:"name"`

	// Run ceilings
	Budget BudgetConfig `yaml:"budget"`

	// Component selection and tuning
	Generation GenerationConfig `yaml:"generation"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Selection  SelectionConfig  `yaml:"selection"`
	Control    ControlConfig    `yaml:"control"`

	// Target execution and external capabilities
	Execution ExecutionConfig `yaml:"execution"`
	Judge     CommandConfig   `yaml:"judge"`
	Rewriter  CommandConfig   `yaml:"rewriter"`

	// Persistence and observability
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig bounds one optimization run. Zero means unlimited on that axis.
type BudgetConfig struct {
	MaxIters    int     `yaml:"max_iters" validate:"gte=0"`
	MaxDuration string  `yaml:"max_duration"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
	MaxCost     float64 `yaml:"max_cost" validate:"gte=0"`
}

// GenerationConfig configures the candidate generator.
type GenerationConfig struct {
	Generator         string   `yaml:"generator" validate:"required"`
	InitialSize       int      `yaml:"initial_size" validate:"gt=0"`
	InjectVariable    string   `yaml:"inject_variable"`
	DefaultInjects    []string `yaml:"default_injects"`
	TargetSection     string   `yaml:"target_section" validate:"oneof=system tools all"`
	MaxLengthRatio    float64  `yaml:"max_length_ratio" validate:"gte=1"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	LearningRate      float64  `yaml:"learning_rate" validate:"gt=0,lte=1"`
	Momentum          float64  `yaml:"momentum" validate:"gte=0,lt=1"`
}

// RuleConfig is one weighted regex rule for the rule-based evaluator.
type RuleConfig struct {
	Name     string  `yaml:"name" validate:"required"`
	Pattern  string  `yaml:"pattern" validate:"required"`
	Weight   float64 `yaml:"weight" validate:"gt=0"`
	Required bool    `yaml:"required"`
}

// EvaluationConfig configures scoring.
type EvaluationConfig struct {
	Evaluator      string       `yaml:"evaluator" validate:"required"`
	Phase1Cutoff   int          `yaml:"phase1_cutoff" validate:"gt=0"`
	MinApproxScore float64      `yaml:"min_approx_score" validate:"gte=0,lte=1"`
	MinConfidence  float64      `yaml:"min_confidence" validate:"gte=0,lte=1"`
	Workers        int          `yaml:"workers" validate:"gt=0"`
	Rules          []RuleConfig `yaml:"rules" validate:"dive"`
}

// SelectionConfig configures survivor selection.
type SelectionConfig struct {
	Selector       string  `yaml:"selector" validate:"required"`
	K              int     `yaml:"k" validate:"gt=0"`
	KeepRatio      float64 `yaml:"keep_ratio" validate:"gt=0,lte=1"`
	DiversityRatio float64 `yaml:"diversity_ratio" validate:"gte=0,lt=1"`
	MinCandidates  int     `yaml:"min_candidates" validate:"gt=0"`
}

// ControlConfig configures the stop policy.
type ControlConfig struct {
	Controller     string  `yaml:"controller" validate:"required"`
	Patience       int     `yaml:"patience" validate:"gt=0"`
	MinImprovement float64 `yaml:"min_improvement" validate:"gte=0"`
	TargetScore    float64 `yaml:"target_score" validate:"gte=0,lte=1"`
}

// StoreConfig configures run history persistence. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "evoopt",

		Budget: BudgetConfig{
			MaxIters:    5,
			MaxDuration: "30m",
		},

		Generation: GenerationConfig{
			Generator:      "sim_inject",
			InitialSize:    3,
			InjectVariable: "$injects",
			TargetSection:  "system",
			MaxLengthRatio: 1.3,
			LearningRate:   0.5,
			Momentum:       0.9,
		},

		Evaluation: EvaluationConfig{
			Evaluator:     "safe",
			Phase1Cutoff:  10,
			MinConfidence: 0.3,
			Workers:       1,
		},

		Selection: SelectionConfig{
			Selector:       "topk",
			K:              3,
			KeepRatio:      0.5,
			DiversityRatio: 0.2,
			MinCandidates:  1,
		},

		Control: ControlConfig{
			Controller:     "early_stopping",
			Patience:       2,
			MinImprovement: 0.05,
		},

		Execution: DefaultExecutionConfig(),

		Judge: CommandConfig{
			Args:    []string{"judge", "--format", "json"},
			Timeout: "120s",
		},

		Rewriter: CommandConfig{
			Args:    []string{"rewrite"},
			Timeout: "120s",
		},

		Store: StoreConfig{
			Path: filepath.Join(".evoopt", "runs.db"),
		},

		Metrics: MetricsConfig{
			Listen: ":9464",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("EVOOPT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := os.Getenv("EVOOPT_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if bin := os.Getenv("EVOOPT_TARGET_BINARY"); bin != "" {
		c.Execution.Binary = bin
	}
	if bin := os.Getenv("EVOOPT_JUDGE_BINARY"); bin != "" {
		c.Judge.Binary = bin
	}
	if bin := os.Getenv("EVOOPT_REWRITER_BINARY"); bin != "" {
		c.Rewriter.Binary = bin
	}
	if v := os.Getenv("EVOOPT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Evaluation.Workers = n
		}
	}
	if v := os.Getenv("EVOOPT_MAX_ITERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Budget.MaxIters = n
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"budget.max_duration":       c.Budget.MaxDuration,
		"execution.default_timeout": c.Execution.DefaultTimeout,
		"judge.timeout":             c.Judge.Timeout,
		"rewriter.timeout":          c.Rewriter.Timeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid config: %s: %w", field, err)
		}
	}

	if c.Budget.MaxIters == 0 && c.Budget.MaxDuration == "" && c.Budget.MaxTokens == 0 && c.Budget.MaxCost == 0 {
		return fmt.Errorf("invalid config: budget must bound at least one of max_iters, max_duration, max_tokens, max_cost")
	}

	return nil
}

// GetMaxDuration returns the budget wall-clock ceiling (0 = unlimited).
func (c *Config) GetMaxDuration() time.Duration {
	return parseDurationOr(c.Budget.MaxDuration, 0)
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDurationOr(c.Execution.DefaultTimeout, 60*time.Second)
}

// GetJudgeTimeout returns the judge command timeout as a duration.
func (c *Config) GetJudgeTimeout() time.Duration {
	return parseDurationOr(c.Judge.Timeout, 120*time.Second)
}

// GetRewriterTimeout returns the rewriter command timeout as a duration.
func (c *Config) GetRewriterTimeout() time.Duration {
	return parseDurationOr(c.Rewriter.Timeout, 120*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
