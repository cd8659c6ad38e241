package tactile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// TempFiles creates candidate files and guarantees their release. Each file
// is released exactly once according to its cleanup policy; ReleaseAll sweeps
// whatever is still live (for shutdown paths).
type TempFiles struct {
	mu   sync.Mutex
	live map[string]*TempFile
	now  func() time.Time
}

// NewTempFiles creates an empty manager.
func NewTempFiles() *TempFiles {
	return &TempFiles{live: make(map[string]*TempFile), now: time.Now}
}

// TempFile is one materialized candidate.
type TempFile struct {
	Path   string
	policy optimization.CleanupPolicy
	owner  *TempFiles
	once   sync.Once
	kept   bool
	err    error
}

// ExpandFileTemplate fills {timestamp} and {id} in a sanitized template.
func ExpandFileTemplate(template, candidateID string, now time.Time) string {
	name := optimization.SanitizeFileTemplate(template)
	name = strings.ReplaceAll(name, "{timestamp}", now.Format("20060102_150405.000000"))
	name = strings.ReplaceAll(name, "{id}", optimization.SanitizeFileTemplate(candidateID))
	return name
}

// Create writes content to a new file named from ec's template. The file must
// not already exist.
func (m *TempFiles) Create(ec optimization.ExecutionContext, candidateID, content string) (*TempFile, error) {
	if ec.Mode != optimization.ModeTempFile {
		return nil, fmt.Errorf("temp file requested for %s context", ec.Mode)
	}
	if err := os.MkdirAll(ec.WorkingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	path := filepath.Join(ec.WorkingDir, ExpandFileTemplate(ec.FileTemplate, candidateID, m.now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	tf := &TempFile{Path: path, policy: ec.Cleanup, owner: m}
	m.mu.Lock()
	m.live[path] = tf
	m.mu.Unlock()
	logging.TactileDebug("Created temp file %s (policy=%s)", path, ec.Cleanup)
	return tf, nil
}

// Release applies the cleanup policy. succeeded reports whether the
// evaluation that used the file completed cleanly. Safe to call repeatedly.
func (f *TempFile) Release(succeeded bool) error {
	f.once.Do(func() {
		remove := false
		switch f.policy {
		case optimization.CleanupKeep:
		case optimization.CleanupConditional:
			remove = succeeded
		default:
			remove = true
		}

		if remove {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				f.err = fmt.Errorf("failed to remove temp file: %w", err)
				logging.TactileWarn("Could not remove %s: %v", f.Path, err)
			}
		} else {
			f.kept = true
			logging.TactileDebug("Keeping temp file %s (policy=%s, succeeded=%v)", f.Path, f.policy, succeeded)
		}

		if f.owner != nil {
			f.owner.mu.Lock()
			delete(f.owner.live, f.Path)
			f.owner.mu.Unlock()
		}
	})
	return f.err
}

// Kept reports whether the file was deliberately left on disk.
func (f *TempFile) Kept() bool {
	return f.kept
}

// Live returns the number of files not yet released.
func (m *TempFiles) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ReleaseAll releases every live file as failed.
func (m *TempFiles) ReleaseAll() error {
	m.mu.Lock()
	files := make([]*TempFile, 0, len(m.live))
	for _, f := range m.live {
		files = append(files, f)
	}
	m.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Release(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
