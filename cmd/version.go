package cmd

import (
	"fmt"

	"example.com/backstage/services/ingest/internal/utils"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// config is not needed to print the version
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		info := utils.Build()
		fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s, %s)\n", info.Version, orDash(info.Commit), orDash(info.BuildTime), info.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
