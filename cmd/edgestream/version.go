package main

import (
	"fmt"

	"github.com/danmuck/edgestream/internal/peer"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the edgestream version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, peer.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
