package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileStore keeps all keys in one YAML document. Every write replaces the
// file through a temp file + rename so readers never observe a partial write.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

var _ Store = &FileStore{}

type fileDocument struct {
	Values map[string]string `yaml:"values"`
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file kv store: empty path")
	}
	s := &FileStore{path: path, values: map[string]string{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "file kv store: read")
	}
	var doc fileDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(err, "file kv store: parse %s", path)
	}
	for k, v := range doc.Values {
		s.values[k] = v
	}
	return s, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Put(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyLocked()
	next[key] = value
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	next := s.copyLocked()
	delete(next, key)
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) copyLocked() map[string]string {
	out := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *FileStore) writeLocked(values map[string]string) error {
	b, err := yaml.Marshal(fileDocument{Values: values})
	if err != nil {
		return errors.Wrap(err, "file kv store: encode")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "file kv store: mkdir")
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return errors.Wrap(err, "file kv store: create temp")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file kv store: write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file kv store: sync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "file kv store: close temp")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Wrap(err, "file kv store: chmod")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "file kv store: rename")
	}
	return nil
}
