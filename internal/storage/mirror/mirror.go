// Package mirror is a small file-backed key/value store used as a local copy
// of remote collections.
//
// Each key is one JSON file <dir>/<key>.json. Writes go to a temporary file
// that is renamed over the target, so readers see either the old or the new
// content.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// Mirror stores JSON values by key in a directory.
type Mirror struct {
	dir string

	mu sync.RWMutex
}

// Open returns a Mirror rooted at dir, creating it if needed.
func Open(dir string) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

// Dir returns the mirror directory.
func (m *Mirror) Dir() string {
	return m.dir
}

func (m *Mirror) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid mirror key %q", key)
	}
	return filepath.Join(m.dir, key+".json"), nil
}

// Get decodes the value stored under key into v. It returns false when the
// key was never written.
func (m *Mirror) Get(key string, v any) (bool, error) {
	p, err := m.path(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	b, err := os.ReadFile(p) //nolint:gosec // G304: key is validated
	m.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("mirror %s is corrupted: %w", key, err)
	}
	return true, nil
}

// Put replaces the value stored under key.
func (m *Mirror) Put(key string, v any) error {
	p, err := m.path(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.CreateTemp(m.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmp))
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Join(fmt.Errorf("failed to rename %s: %w", key, err), os.Remove(tmp))
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Mirror) Delete(key string) error {
	p, err := m.path(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Slot binds a Mirror key holding a single string.
type Slot struct {
	m   *Mirror
	key string
}

// Slot returns the string slot stored under key.
func (m *Mirror) Slot(key string) *Slot {
	return &Slot{m: m, key: key}
}

// Load returns the stored string, empty if unset.
func (s *Slot) Load() (string, error) {
	var v string
	if _, err := s.m.Get(s.key, &v); err != nil {
		return "", err
	}
	return v, nil
}

// Store replaces the stored string.
func (s *Slot) Store(v string) error {
	return s.m.Put(s.key, v)
}
