package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/offsync/internal/config"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var (
	configFile string
	noColor    bool

	// Populated by PersistentPreRunE for every subcommand.
	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline sync and local cache for mail and calendar records",
	Long: `offsync keeps a local SQLite cache of remote collections (mail messages,
calendar events) and queues local changes while offline.

Each sync cycle drains queued local actions to the remote, fetches remote
changes since the last cursor, resolves conflicts and applies them to the
cache. Reads never touch the network.

Configuration is read from $XDG_CONFIG_HOME/offsync/config.yaml (or --config)
and OFFSYNC_* environment variables, e.g. OFFSYNC_REMOTE_BASE_URL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(viper.New(), configFile)
		if err != nil {
			return err
		}
		l, closer, err := loaded.Log.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		cfg, logger, logCloser = loaded, l, closer
		ui.Init(cmd.OutOrStdout(), noColor)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "cache", Title: "Cache:"},
		&cobra.Group{ID: "queue", Title: "Offline queue:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/offsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}
