package config

// ExecutionConfig configures how candidates are run against the target.
//
// Argument templates may contain {base}, {file}, {vars}, {var}, {value} and
// {case_id}. Each placeholder expands inside a single argv element; nothing is
// ever passed through a shell.
type ExecutionConfig struct {
	// Target binary
	Binary string `yaml:"binary" json:"binary,omitempty"`

	// Argument templates per execution mode
	VariableArgs []string `yaml:"variable_args" json:"variable_args,omitempty"`
	FileArgs     []string `yaml:"file_args" json:"file_args,omitempty"`
	SourceArgs   []string `yaml:"source_args" json:"source_args,omitempty"`

	// Default timeout for one candidate execution
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Stdout/stderr cap per stream
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty" validate:"gte=0"`

	// Temp-file mode
	WorkingDirectory string `yaml:"working_directory" json:"working_directory,omitempty"`
	FileTemplate     string `yaml:"file_template" json:"file_template,omitempty"`
	CleanupPolicy    string `yaml:"cleanup_policy" json:"cleanup_policy,omitempty" validate:"omitempty,oneof=auto keep conditional"`

	// Environment variables to pass
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
}

// CommandConfig configures an external command capability (judge, rewriter).
type CommandConfig struct {
	Binary  string   `yaml:"binary" json:"binary,omitempty"`
	Args    []string `yaml:"args" json:"args,omitempty"`
	Timeout string   `yaml:"timeout" json:"timeout,omitempty"`
}

// DefaultExecutionConfig returns execution defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Binary:         "dolphin",
		VariableArgs:   []string{"run", "{base}", "--vars", "{vars}"},
		FileArgs:       []string{"run", "{file}"},
		SourceArgs:     []string{"run", "--stdin"},
		DefaultTimeout: "60s",
		MaxOutputBytes: 1 << 20,
		FileTemplate:   "candidate_{timestamp}_{id}.dph",
		CleanupPolicy:  "auto",
		AllowedEnvVars: []string{"PATH", "HOME", "LANG", "TMPDIR"},
	}
}
