package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Store is a durable string key/value store. Put and Delete return only once
// the write is persisted.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Backend string

const (
	BackendSQLite  Backend = "sqlite"
	BackendFile    Backend = "file"
	BackendKeyring Backend = "keyring"
	BackendMemory  Backend = "memory"
)

// Settings selects and locates a backend. Dir is the state directory used by
// the sqlite and file backends and as the keyring file fallback location.
type Settings struct {
	Backend     Backend `mapstructure:"backend"`
	Dir         string  `mapstructure:"dir"`
	ServiceName string  `mapstructure:"service_name"`
}

func Open(s Settings) (Store, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(s.Backend))))
	if backend == "" {
		backend = BackendSQLite
	}
	if backend != BackendMemory && s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "kvstore: create state dir")
		}
	}
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if s.Dir == "" {
			return nil, errors.New("kvstore: sqlite backend needs a state dir")
		}
		dsn, err := SQLiteDSNForFile(filepath.Join(s.Dir, "campuslink.db"))
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case BackendFile:
		if s.Dir == "" {
			return nil, errors.New("kvstore: file backend needs a state dir")
		}
		return NewFileStore(filepath.Join(s.Dir, "state.yaml"))
	case BackendKeyring:
		return NewKeyringStore(KeyringConfig{
			ServiceName: s.ServiceName,
			FileDir:     filepath.Join(s.Dir, "keyring"),
		})
	default:
		return nil, errors.Errorf("kvstore: unknown backend %q", s.Backend)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: key is empty")
	}
	return nil
}
