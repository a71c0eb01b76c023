// Package preferences persists small UI settings next to the credential.
package preferences

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
)

const ThemeKey = "theme_preference"

type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

func ParseTheme(s string) (Theme, error) {
	switch t := Theme(strings.ToLower(strings.TrimSpace(s))); t {
	case ThemeSystem, ThemeLight, ThemeDark:
		return t, nil
	default:
		return "", errors.Errorf("unknown theme %q (want system, light or dark)", s)
	}
}

type Store struct {
	backend kvstore.Store
}

func NewStore(backend kvstore.Store) *Store {
	return &Store{backend: backend}
}

// Theme returns the stored theme, ThemeSystem when unset or unreadable.
func (s *Store) Theme(ctx context.Context) (Theme, error) {
	raw, ok, err := s.backend.Get(ctx, ThemeKey)
	if err != nil {
		return ThemeSystem, errors.Wrap(err, "read theme preference")
	}
	if !ok {
		return ThemeSystem, nil
	}
	t, err := ParseTheme(raw)
	if err != nil {
		return ThemeSystem, nil
	}
	return t, nil
}

func (s *Store) SetTheme(ctx context.Context, t Theme) error {
	if _, err := ParseTheme(string(t)); err != nil {
		return err
	}
	if err := s.backend.Put(ctx, ThemeKey, string(t)); err != nil {
		return errors.Wrap(err, "persist theme preference")
	}
	return nil
}
