package cmd

import (
	"fmt"
	"os"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/mapping"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage node models and mapping profiles",
}

var profilesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update node models and profiles from a YAML bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		bundle, err := mapping.LoadProfiles(f)
		if err != nil {
			return err
		}

		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		engine, err := mapping.NewEngine(cfg.Mapping, nil, logger)
		if err != nil {
			return err
		}

		res, err := bundle.Import(cmd.Context(), core.NewDataStore(db.DB), engine)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"file":     args[0],
			"models":   res.Models,
			"profiles": res.Profiles,
		}).Info("Profiles imported")
		return nil
	},
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		specs, err := core.NewDataStore(db.DB).ListEnabledMappingSpecs(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-6s %-32s %-8s %-8s %s\n", "ID", "CODE", "MODEL", "PARSER", "CHANNELS")
		for _, s := range specs {
			fmt.Fprintf(out, "%-6d %-32s %-8d %-8s %d\n", s.ID, s.Code, s.NodeModelID, s.ParserType, len(s.Mapping.Data().Channels))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesImportCmd, profilesListCmd)
}
