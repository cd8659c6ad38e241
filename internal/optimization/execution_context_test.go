package optimization

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.dph")
	require.NoError(t, os.WriteFile(path, []byte("system = \"\"\"be helpful\"\"\"\n"), 0644))
	return path
}

func TestNewVariableContext(t *testing.T) {
	base := writeBase(t)

	t.Run("valid", func(t *testing.T) {
		ec, err := NewVariableContext(base, "$injects")
		require.NoError(t, err)
		assert.Equal(t, ModeVariable, ec.Mode)
		assert.Equal(t, base, ec.BasePath)
	})

	t.Run("missing base artifact", func(t *testing.T) {
		_, err := NewVariableContext(filepath.Join(t.TempDir(), "nope.dph"), "$injects")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})

	t.Run("base is a directory", func(t *testing.T) {
		_, err := NewVariableContext(t.TempDir(), "$injects")
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("bad variable name", func(t *testing.T) {
		_, err := NewVariableContext(base, "not a name")
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "variable_name", ce.Field)
	})
}

func TestNewTempFileContext(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		ec, err := NewTempFileContext(t.TempDir(), "", "")
		require.NoError(t, err)
		assert.Equal(t, DefaultFileTemplate, ec.FileTemplate)
		assert.Equal(t, CleanupAuto, ec.Cleanup)
	})

	t.Run("missing dir with existing parent", func(t *testing.T) {
		_, err := NewTempFileContext(filepath.Join(t.TempDir(), "later"), "", CleanupKeep)
		assert.NoError(t, err)
	})

	t.Run("missing dir and parent", func(t *testing.T) {
		_, err := NewTempFileContext(filepath.Join(t.TempDir(), "a", "b"), "", CleanupKeep)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("traversal is stripped", func(t *testing.T) {
		ec, err := NewTempFileContext(t.TempDir(), "../../etc/x_{id}.txt", CleanupAuto)
		require.NoError(t, err)
		assert.Equal(t, "etcx_{id}.txt", ec.FileTemplate)
	})

	t.Run("template without id", func(t *testing.T) {
		_, err := NewTempFileContext(t.TempDir(), "fixed.txt", CleanupAuto)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := NewTempFileContext(t.TempDir(), "", "sometimes")
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestValidateContextReportsAllProblems(t *testing.T) {
	err := ValidateContext(ExecutionContext{Mode: ModeVariable})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_path")
	assert.Contains(t, err.Error(), "variable_name")

	err = ValidateContext(ExecutionContext{Mode: "teleport"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewMemoryOverlayContext(t *testing.T) {
	base := writeBase(t)
	_, err := NewMemoryOverlayContext(base, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	ec, err := NewMemoryOverlayContext(base, []ContentPatch{{Find: "be helpful", Replace: "{content}"}})
	require.NoError(t, err)
	assert.Len(t, ec.Patches, 1)
}

func TestValidateContent(t *testing.T) {
	base := writeBase(t)
	ec, err := NewVariableContext(base, "$injects")
	require.NoError(t, err)

	assert.NoError(t, ValidateContent(ec, "Check the knowledge base before answering."))

	cases := map[string]string{
		"empty_content":    "   ",
		"null_byte":        "abc\x00def",
		"command_chaining": `done"; rm -rf /`,
	}
	for rule, content := range cases {
		t.Run(rule, func(t *testing.T) {
			err := ValidateContent(ec, content)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, rule, ve.Rule)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestExecutionContextCopies(t *testing.T) {
	ec := ExecutionContext{Mode: ModeVariable, Variables: map[string]string{"a": "1"}}
	ec2 := ec.WithVariables(map[string]string{"b": "2"})
	assert.Len(t, ec.Variables, 1)
	assert.Len(t, ec2.Variables, 2)
	assert.Equal(t, CleanupKeep, ec.WithCleanup(CleanupKeep).Cleanup)
	assert.Empty(t, ec.Cleanup)
}

func TestCandidateChild(t *testing.T) {
	parent := NewCandidate("parent", ExecutionContext{Mode: ModeVariable})
	child := parent.Child("child")
	assert.Equal(t, parent.ID, child.ParentID)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.Context, child.Context)
}
