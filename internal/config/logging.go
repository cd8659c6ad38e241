package config

import "evoopt/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string          `yaml:"format" json:"format,omitempty" validate:"omitempty,oneof=json text"`
	File       string          `yaml:"file" json:"file,omitempty"`
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles
}

// LoggerConfig converts to the logging package's config.
func (c LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      c.Level,
		JSONFormat: c.Format == "json",
		Categories: c.Categories,
		OutputPath: c.File,
	}
}

// IsCategoryEnabled returns whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
