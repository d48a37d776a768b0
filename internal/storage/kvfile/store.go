// Package kvfile is a small durable key-value store kept in a single JSON file.
package kvfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const defaultStateDir = "./data"

// Store keeps all keys in memory and rewrites the file atomically on every change.
type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

func getStateDir() string {
	if stateDir := os.Getenv("FXPULSE_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// Open loads the store from path. An empty path resolves to state.json in the state dir.
func Open(path string) (*Store, error) {
	if path == "" {
		path = filepath.Join(getStateDir(), "state.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create kv state dir")
	}

	s := &Store{path: path, data: make(map[string]string)}

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}

		return nil, errors.Wrap(err, "read kv state")
	}

	if len(payload) == 0 {
		return s, nil
	}

	if err := json.Unmarshal(payload, &s.data); err != nil {
		return nil, errors.Wrap(err, "decode kv state")
	}

	return s, nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}

	return []byte(v), true, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	s.data[key] = string(value)

	if err := s.flush(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}

	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)

	if err := s.flush(); err != nil {
		s.data[key] = prev
		return err
	}

	return nil
}

// Keys returns sorted keys starting with prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

func (s *Store) flush() error {
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode kv state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write kv state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist kv state")
	}

	return nil
}
