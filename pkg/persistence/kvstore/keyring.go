package kvstore

import (
	"context"
	"os"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const defaultServiceName = "campuslink"

type KeyringConfig struct {
	ServiceName string
	// FileDir is used when no OS secret service is available.
	FileDir string
	// Backends overrides the allowed backend list (tests pin the file backend).
	Backends []keyring.BackendType
}

// KeyringStore keeps values in the OS secret store (Keychain, Secret
// Service, WinCred, pass) with an encrypted-file fallback.
type KeyringStore struct {
	ring keyring.Keyring
}

var _ Store = &KeyringStore{}

func NewKeyringStore(cfg KeyringConfig) (*KeyringStore, error) {
	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "keyring kv store: open")
	}
	return &KeyringStore{ring: ring}, nil
}

func (s *KeyringStore) Close() error { return nil }

func (s *KeyringStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "keyring kv store: get %q", key)
	}
	return string(item.Data), true, nil
}

func (s *KeyringStore) Put(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: "campuslink " + key}); err != nil {
		return errors.Wrapf(err, "keyring kv store: set %q", key)
	}
	return nil
}

func (s *KeyringStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "keyring kv store: remove %q", key)
	}
	return nil
}
