package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// PreferenceStore persists whether rewriting is switched on.
type PreferenceStore interface {
	Enabled() (bool, error)
	SetEnabled(enabled bool) error
}

type preferences struct {
	IsEnabled bool `yaml:"isEnabled" json:"isEnabled"`
}

// FilePreferences keeps the preference in a small YAML file. A missing file
// means disabled.
type FilePreferences struct {
	Path string
	mu   sync.Mutex
}

// Enabled reads the stored preference.
func (p *FilePreferences) Enabled() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read preferences: %w", err)
	}
	var pr preferences
	if err := yaml.Unmarshal(b, &pr); err != nil {
		return false, fmt.Errorf("parse preferences %s: %w", p.Path, err)
	}
	return pr.IsEnabled, nil
}

// SetEnabled writes the preference, replacing the file atomically.
func (p *FilePreferences) SetEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := yaml.Marshal(preferences{IsEnabled: enabled})
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir preferences dir: %w", err)
		}
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

// MemoryPreferences is an in-process store.
type MemoryPreferences struct {
	mu      sync.Mutex
	enabled bool
}

func (m *MemoryPreferences) Enabled() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, nil
}

func (m *MemoryPreferences) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	return nil
}
