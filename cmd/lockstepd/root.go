package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lockstep-project/lockstep/internal/config"
	"github.com/lockstep-project/lockstep/internal/util"
)

const AppVersion = "1.0.0"

var (
	cfgFile  string
	logLevel string

	logger    zerolog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "lockstepd",
	Short: "Session transport daemon: TCP stream and KCP reliable-datagram sessions",
	Long: `lockstepd carries framed messages between lockstep game peers over TCP
stream sessions and KCP reliable-datagram sessions, with an Offline loopback
mode that keeps the whole protocol stack running without a network.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       AppVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := util.DefaultLogConfig()
		cfg.Directory = ""
		cfg.Out = cmd.ErrOrStderr()
		if logLevel != "" {
			cfg.Level = logLevel
		} else {
			cfg.Level = "warn"
		}
		var err error
		logger, logCloser, err = util.InitLogger(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to the default file name.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, .json or .toml (default \"lockstepd.json\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
}
