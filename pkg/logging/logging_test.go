package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestInit_WritesJSONToFile(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "logs", "campuslink.log")

	closer, err := Init(Settings{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	log.Debug().Str("component", "test").Msg("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"hello file"`)
	require.Contains(t, string(data), `"component":"test"`)
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInit_RejectsBadSettings(t *testing.T) {
	restoreGlobals(t)
	_, err := Init(Settings{Level: "loud"})
	require.Error(t, err)
	_, err = Init(Settings{Format: "xml"})
	require.ErrorContains(t, err, "xml")
}

func TestWatermillAdapter(t *testing.T) {
	restoreGlobals(t)
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	a := NewWatermill(zerolog.New(&buf))

	a.With(watermill.LogFields{"topic": "campuslink.alerts"}).Info("subscribed", nil)
	a.Error("publish failed", errors.New("redis down"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	require.Contains(t, out, `"topic":"campuslink.alerts"`)
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"error":"redis down"`)
	require.Contains(t, out, `"attempt":2`)
}
