package optimization

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Typed errors below unwrap to one of these.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrValidation     = errors.New("validation error")
	ErrExecution      = errors.New("execution failure")
	ErrJudge          = errors.New("judge failure")
	ErrLengthMismatch = errors.New("candidate/evaluation length mismatch")
)

// ConfigError reports an invalid setup value. It is fatal to a run.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ValidationError reports a candidate rejected before scoring.
type ValidationError struct {
	CandidateID string
	Rule        string
	Err         error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation error: %s", e.Rule)
	if e.CandidateID != "" {
		msg = fmt.Sprintf("validation error: candidate %s: %s", e.CandidateID, e.Rule)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// ExecutionFailure reports that running a candidate failed.
type ExecutionFailure struct {
	Reason   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *ExecutionFailure) Error() string {
	switch {
	case e.TimedOut:
		return "execution failure: timed out"
	case e.Err != nil:
		return fmt.Sprintf("execution failure: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("execution failure: %s (exit %d)", e.Reason, e.ExitCode)
	}
}

func (e *ExecutionFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecution}
	}
	return []error{ErrExecution, e.Err}
}

// JudgeFailure reports that the semantic judge errored or returned garbage.
type JudgeFailure struct {
	Reason string
	Err    error
}

func (e *JudgeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("judge failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("judge failure: %s", e.Reason)
}

func (e *JudgeFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrJudge}
	}
	return []error{ErrJudge, e.Err}
}

func configErr(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
