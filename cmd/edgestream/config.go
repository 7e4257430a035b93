package main

import (
	"fmt"

	"github.com/danmuck/edgestream/internal/config"
	"github.com/spf13/cobra"
)

var (
	configKind  string
	configForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or validate configuration files",
	// config files may not exist yet, so skip the root loader
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a config template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[0], configKind, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", configKind, args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load and validate a config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", loaded.Name, args[0])
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configKind, "kind", "server", "template kind: server|client")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
