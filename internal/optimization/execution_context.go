package optimization

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	variableNamePattern = regexp.MustCompile(`^\$?[A-Za-z_][A-Za-z0-9_]*$`)
	// quote, statement separator, then a destructive verb
	injectionPattern = regexp.MustCompile(`(?i)["'];\s*(rm|del|drop|exec|eval)\b`)
)

// =============================================================================
// FACTORY
// =============================================================================

// NewVariableContext builds a variable-substitution context.
func NewVariableContext(basePath, variableName string) (ExecutionContext, error) {
	ec := ExecutionContext{
		Mode:         ModeVariable,
		BasePath:     basePath,
		VariableName: variableName,
	}
	if err := ValidateContext(ec); err != nil {
		return ExecutionContext{}, err
	}
	return ec, nil
}

// NewTempFileContext builds a temp-file context. An empty template uses
// DefaultFileTemplate and an empty policy means CleanupAuto.
func NewTempFileContext(workingDir, fileTemplate string, policy CleanupPolicy) (ExecutionContext, error) {
	if fileTemplate == "" {
		fileTemplate = DefaultFileTemplate
	}
	if policy == "" {
		policy = CleanupAuto
	}
	ec := ExecutionContext{
		Mode:         ModeTempFile,
		WorkingDir:   workingDir,
		FileTemplate: SanitizeFileTemplate(fileTemplate),
		Cleanup:      policy,
	}
	if err := ValidateContext(ec); err != nil {
		return ExecutionContext{}, err
	}
	return ec, nil
}

// NewMemoryOverlayContext builds an in-memory overlay context over basePath.
func NewMemoryOverlayContext(basePath string, patches []ContentPatch) (ExecutionContext, error) {
	ec := ExecutionContext{
		Mode:     ModeMemoryOverlay,
		BasePath: basePath,
		Patches:  append([]ContentPatch(nil), patches...),
	}
	if err := ValidateContext(ec); err != nil {
		return ExecutionContext{}, err
	}
	return ec, nil
}

// SanitizeFileTemplate strips path traversal and separators from a template.
func SanitizeFileTemplate(template string) string {
	t := strings.ReplaceAll(template, "..", "")
	t = strings.ReplaceAll(t, "/", "")
	t = strings.ReplaceAll(t, "\\", "")
	t = strings.ReplaceAll(t, "\x00", "")
	return t
}

// =============================================================================
// VALIDATOR
// =============================================================================

// ValidateContext checks that ec is complete and points at usable resources.
// All problems are reported together.
func ValidateContext(ec ExecutionContext) error {
	var errs []error

	switch ec.Mode {
	case ModeVariable:
		errs = append(errs, checkBasePath(ec.BasePath)...)
		if !variableNamePattern.MatchString(ec.VariableName) {
			errs = append(errs, configErr("variable_name", "%q is not a valid variable name", ec.VariableName))
		}
	case ModeTempFile:
		errs = append(errs, checkWorkingDir(ec.WorkingDir)...)
		errs = append(errs, checkFileTemplate(ec.FileTemplate)...)
		switch ec.Cleanup {
		case CleanupAuto, CleanupKeep, CleanupConditional:
		default:
			errs = append(errs, configErr("cleanup", "unknown cleanup policy %q", ec.Cleanup))
		}
	case ModeMemoryOverlay:
		errs = append(errs, checkBasePath(ec.BasePath)...)
		if len(ec.Patches) == 0 {
			errs = append(errs, configErr("patches", "memory_overlay mode needs at least one patch"))
		}
		for i, p := range ec.Patches {
			if p.Find == "" {
				errs = append(errs, configErr(fmt.Sprintf("patches[%d].find", i), "must not be empty"))
			}
		}
	default:
		errs = append(errs, configErr("mode", "unknown execution mode %q", ec.Mode))
	}

	return errors.Join(errs...)
}

func checkBasePath(path string) []error {
	if path == "" {
		return []error{configErr("base_path", "required")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return []error{configErr("base_path", "%v", err)}
	}
	if !info.Mode().IsRegular() {
		return []error{configErr("base_path", "%s is not a regular file", path)}
	}
	f, err := os.Open(path)
	if err != nil {
		return []error{configErr("base_path", "not readable: %v", err)}
	}
	f.Close()
	return nil
}

func checkWorkingDir(dir string) []error {
	if dir == "" {
		return []error{configErr("working_dir", "required")}
	}
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return []error{configErr("working_dir", "%s is not a directory", dir)}
		}
		probe, err := os.CreateTemp(dir, ".evoopt-probe-*")
		if err != nil {
			return []error{configErr("working_dir", "not writable: %v", err)}
		}
		probe.Close()
		os.Remove(probe.Name())
		return nil
	}
	if !os.IsNotExist(err) {
		return []error{configErr("working_dir", "%v", err)}
	}
	// Missing directory is fine if it can be created later.
	parent := filepath.Dir(filepath.Clean(dir))
	pinfo, perr := os.Stat(parent)
	if perr != nil || !pinfo.IsDir() {
		return []error{configErr("working_dir", "%s does not exist and neither does its parent", dir)}
	}
	return nil
}

func checkFileTemplate(template string) []error {
	var errs []error
	if template == "" {
		return []error{configErr("file_template", "required")}
	}
	if template != SanitizeFileTemplate(template) {
		errs = append(errs, configErr("file_template", "must be a bare file name"))
	}
	if !strings.Contains(template, "{id}") {
		errs = append(errs, configErr("file_template", "must contain {id} so concurrent candidates never collide"))
	}
	return errs
}

// ValidateContent checks candidate content against its context before it is
// executed.
func ValidateContent(ec ExecutionContext, content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Rule: "empty_content"}
	}
	if strings.ContainsRune(content, 0) {
		return &ValidationError{Rule: "null_byte"}
	}
	if ec.Mode == ModeVariable && injectionPattern.MatchString(content) {
		return &ValidationError{Rule: "command_chaining"}
	}
	return nil
}

// ValidateCandidate runs both context and content validation.
func ValidateCandidate(c *Candidate) error {
	if c == nil {
		return &ValidationError{Rule: "nil_candidate"}
	}
	if err := ValidateContext(c.Context); err != nil {
		return err
	}
	if err := ValidateContent(c.Context, c.Content); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.CandidateID = c.ID
		}
		return err
	}
	return nil
}

// ApplyOverlay applies patches to base in order. {content} in a replacement
// expands to content. Every Find string must occur in the text it is applied to.
func ApplyOverlay(base string, patches []ContentPatch, content string) (string, error) {
	out := base
	for i, p := range patches {
		if !strings.Contains(out, p.Find) {
			return "", &ExecutionFailure{Reason: fmt.Sprintf("overlay patch %d: target text not found", i)}
		}
		out = strings.ReplaceAll(out, p.Find, strings.ReplaceAll(p.Replace, "{content}", content))
	}
	return out, nil
}
