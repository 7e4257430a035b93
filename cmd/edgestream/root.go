package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/edgestream/internal/config"
	"github.com/danmuck/edgestream/internal/logging"
	"github.com/danmuck/edgestream/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const appName = "edgestream"

var (
	cfgFile  string
	logLevel string

	// set during PersistentPreRunE
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Duplex request/response streaming over tcp, unix, websocket and quic",
	Long: `edgestream runs a peer that serves framed requests and streams on every
configured endpoint, and sends requests to a remote peer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		cfg = loaded
		return setupLogging(cfg)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(c config.Config) error {
	observability.InitLogger(c.Name)
	if c.LogLevel == "" {
		return nil
	}
	lvl, ok := logging.ParseLevel(c.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
}
