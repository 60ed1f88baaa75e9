// Package settings persists the dashboard's runtime settings, chiefly the
// list of NUT servers, as a flat YAML key-value document.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a key-value settings store.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Delete(key string) error
}

// Compile-time interface check.
var _ Store = (*YAMLStore)(nil)

// YAMLStore keeps settings in a YAML file. The file is re-read on every
// access, so edits made by hand are picked up without a restart, and every
// write replaces it atomically.
type YAMLStore struct {
	path string
	mu   sync.Mutex
}

// NewYAMLStore returns a store backed by path. The file and its directory
// are created on the first write.
func NewYAMLStore(path string) *YAMLStore {
	return &YAMLStore{path: path}
}

// Path returns the backing file.
func (s *YAMLStore) Path() string { return s.path }

// Get returns the value stored under key. A missing or unreadable file
// reads as empty.
func (s *YAMLStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, false
	}
	v, ok := doc[key]
	return v, ok
}

// Err reports why the file cannot be read, or nil when it can. A missing
// file is not an error.
func (s *YAMLStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load()
	return err
}

// Set stores value under key and writes the file.
func (s *YAMLStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[key] = value
	return s.save(doc)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *YAMLStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.save(doc)
}

func (s *YAMLStore) load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", s.path, err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (s *YAMLStore) save(doc map[string]any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yml")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	// Credentials live in this file.
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing settings %s: %w", s.path, err)
	}
	return nil
}
