// Package config loads campuslink settings from a YAML file, CAMPUSLINK_*
// environment variables and bound command-line flags, in viper's usual
// precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/campuslink/pkg/logging"
	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/redisstream"
)

const EnvPrefix = "CAMPUSLINK"

type APISettings struct {
	BaseURL string        `mapstructure:"base_url"`
	WSURL   string        `mapstructure:"ws_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PushURL returns the websocket base, derived from BaseURL when unset.
func (a APISettings) PushURL() string {
	if a.WSURL != "" {
		return strings.TrimRight(a.WSURL, "/")
	}
	base := strings.TrimRight(a.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/ws"
}

type SyncSettings struct {
	PageSize          int           `mapstructure:"page_size"`
	MatchTolerance    time.Duration `mapstructure:"match_tolerance"`
	ProvisionalWindow time.Duration `mapstructure:"provisional_window"`
}

type Settings struct {
	API         APISettings          `mapstructure:"api"`
	Credentials kvstore.Settings     `mapstructure:"credentials"`
	Realtime    realtime.Config      `mapstructure:"realtime"`
	Sync        SyncSettings         `mapstructure:"sync"`
	Redis       redisstream.Settings `mapstructure:"redis"`
	Log         logging.Settings     `mapstructure:"log"`
}

// DefaultPath returns ~/.config/campuslink/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(dir, "campuslink", "config.yaml")
}

// DefaultStateDir is where the durable key/value store lives.
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".campuslink")
	}
	return filepath.Join(dir, "campuslink")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	rt := realtime.DefaultConfig()
	rs := redisstream.DefaultSettings()

	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.ws_url", "")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("credentials.backend", string(kvstore.BackendSQLite))
	v.SetDefault("credentials.dir", DefaultStateDir())
	v.SetDefault("credentials.service_name", "campuslink")

	v.SetDefault("realtime.initial_backoff", rt.InitialBackoff)
	v.SetDefault("realtime.max_backoff", rt.MaxBackoff)
	v.SetDefault("realtime.jitter", rt.Jitter)
	v.SetDefault("realtime.max_attempts", rt.MaxAttempts)
	v.SetDefault("realtime.handshake_timeout", rt.HandshakeTimeout)
	v.SetDefault("realtime.ping_interval", rt.PingInterval)
	v.SetDefault("realtime.pong_wait", rt.PongWait)
	v.SetDefault("realtime.write_timeout", rt.WriteTimeout)
	v.SetDefault("realtime.receive_buffer", rt.ReceiveBuffer)

	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.match_tolerance", 10*time.Second)
	v.SetDefault("sync.provisional_window", 2*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.with_caller", false)
}

// Load reads path (a missing file is fine) into v and decodes the result.
func Load(v *viper.Viper, path string) (Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(errors.Cause(err)) && !isPathError(err) {
				return Settings{}, errors.Wrapf(err, "read config %s", path)
			}
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode config")
	}
	if s.API.BaseURL == "" {
		return Settings{}, errors.New("config: api.base_url is empty")
	}
	return s, nil
}

func isPathError(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe)
}
