package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	s, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", s.API.BaseURL)
	require.Equal(t, "ws://localhost:8000/api/v1/ws", s.API.PushURL())
	require.Equal(t, kvstore.BackendSQLite, s.Credentials.Backend)
	require.Equal(t, 500*time.Millisecond, s.Realtime.InitialBackoff)
	require.Equal(t, 12, s.Realtime.MaxAttempts)
	require.Equal(t, 10*time.Second, s.Sync.MatchTolerance)
	require.False(t, s.Redis.Enabled)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://campus.example.edu
credentials:
  backend: file
realtime:
  initial_backoff: 250ms
  max_attempts: -1
sync:
  provisional_window: 5m
redis:
  enabled: true
  addr: redis:6379
`), 0o600))
	t.Setenv("CAMPUSLINK_LOG_LEVEL", "debug")

	s, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, "wss://campus.example.edu/api/v1/ws", s.API.PushURL())
	require.Equal(t, kvstore.BackendFile, s.Credentials.Backend)
	require.Equal(t, 250*time.Millisecond, s.Realtime.InitialBackoff)
	require.Equal(t, -1, s.Realtime.MaxAttempts)
	require.Equal(t, 5*time.Minute, s.Sync.ProvisionalWindow)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "debug", s.Log.Level)
}

func TestLoad_RejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
	_, err := Load(New(), path)
	require.Error(t, err)
}

func TestPushURL_ExplicitWins(t *testing.T) {
	a := APISettings{BaseURL: "http://x", WSURL: "wss://push.example.edu/api/v1/ws/"}
	require.Equal(t, "wss://push.example.edu/api/v1/ws", a.PushURL())
}
