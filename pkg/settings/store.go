package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Store reads and writes the settings document.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a store for the document at path.
func NewStore(fs afero.Fs, path string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current document, or nil if it does not exist.
func (s *Store) Load() ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return data, nil
}

// Save replaces the document atomically through a temporary file in the
// same directory.
func (s *Store) Save(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary settings file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Update loads the document, applies desired and saves it when anything
// changed.
func (s *Store) Update(desired Sections) ([]Change, error) {
	existing, err := s.Load()
	if err != nil {
		return nil, err
	}
	doc, changes, err := Apply(existing, desired)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if string(doc) == string(existing) {
		return changes, nil
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return changes, nil
}
