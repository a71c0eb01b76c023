package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/campuslink/pkg/config"
	"github.com/go-go-golems/campuslink/pkg/logging"
)

var (
	v          = config.New()
	settings   config.Settings
	configPath string
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "campuslink",
	Short:        "campuslink is a terminal client for the campus social network",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed by now, so the logger can honour --log-level and co
		s, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		settings = s
		logCloser, err = logging.Init(settings.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file")
	flags.String("base-url", "", "Backend base URL")
	flags.String("ws-url", "", "Push channel base URL (derived from --base-url when empty)")
	flags.String("credentials-backend", "", "Credential store backend: sqlite, file, keyring or memory")
	flags.String("state-dir", "", "Directory for the local state store")
	flags.String("log-level", "", "Log level")
	flags.String("log-format", "", "Log format: console, json or auto")
	flags.String("log-file", "", "Also write logs to this file")
	flags.Bool("redis", false, "Publish alerts over Redis streams")
	flags.String("redis-addr", "", "Redis address")

	bind("base-url", "api.base_url")
	bind("ws-url", "api.ws_url")
	bind("credentials-backend", "credentials.backend")
	bind("state-dir", "credentials.dir")
	bind("log-level", "log.level")
	bind("log-format", "log.format")
	bind("log-file", "log.file")
	bind("redis", "redis.enabled")
	bind("redis-addr", "redis.addr")

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newChatCommand(),
		newNotificationsCommand(),
		newThemeCommand(),
		newRegisterCommand(),
		newEventsCommand(),
		newTravelCommand(),
		newVerificationsCommand(),
	)
	rootCmd.AddCommand(newDirectoryCommands()...)
}

func bind(flag, key string) {
	cobra.CheckErr(v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)))
}

func main() {
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
