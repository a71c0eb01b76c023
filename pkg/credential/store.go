// Package credential holds the process-wide bearer credential.
//
// Store is the only writer of the credential. Readers either take a snapshot
// with Get, which never waits on an in-flight Set, or follow changes with
// Observe. Set and Clear return only after the durable backend acknowledged
// the write, and they are serialized so two writers can never interleave.
package credential

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/observable"
	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
)

// TokenKey is the durable key holding the bearer token.
const TokenKey = "auth_token"

var ErrEmptyToken = errors.New("credential: token is empty")

type Store struct {
	backend kvstore.Store

	writeMu sync.Mutex
	current atomic.Pointer[string]
	updates *observable.Value[string]
}

// Open restores the last persisted token from backend.
func Open(ctx context.Context, backend kvstore.Store) (*Store, error) {
	if backend == nil {
		return nil, errors.New("credential: backend is nil")
	}
	token, ok, err := backend.Get(ctx, TokenKey)
	if err != nil {
		return nil, errors.Wrap(err, "credential: restore token")
	}
	if !ok {
		token = ""
	}
	s := &Store{
		backend: backend,
		updates: observable.NewValue(token),
	}
	s.current.Store(&token)
	log.Debug().Str("component", "credential").Bool("present", token != "").Msg("credential restored")
	return s, nil
}

// Get returns the current token and whether one is present.
func (s *Store) Get() (string, bool) {
	p := s.current.Load()
	if p == nil || *p == "" {
		return "", false
	}
	return *p, true
}

// Observe yields the current token ("" when signed out) followed by every
// change, in order.
func (s *Store) Observe(ctx context.Context) <-chan string {
	return s.updates.Subscribe(ctx)
}

func (s *Store) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Put(ctx, TokenKey, token); err != nil {
		return errors.Wrap(err, "credential: persist token")
	}
	s.publishLocked(token)
	log.Info().Str("component", "credential").Msg("credential updated")
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Delete(ctx, TokenKey); err != nil {
		return errors.Wrap(err, "credential: delete token")
	}
	s.publishLocked("")
	log.Info().Str("component", "credential").Msg("credential cleared")
	return nil
}

func (s *Store) publishLocked(token string) {
	if prev := s.current.Load(); prev != nil && *prev == token {
		return
	}
	s.current.Store(&token)
	s.updates.Set(token)
}

// Close ends all Observe streams. The backend is owned by the caller.
func (s *Store) Close() {
	s.updates.Close()
}
