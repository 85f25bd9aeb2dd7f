package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/spf13/cobra"
)

var (
	migrateSeedProject string
	migrateSeedOwner   uint
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateSeedProject, "seed-project", "", "Create or update a project with this name")
	migrateCmd.Flags().UintVar(&migrateSeedOwner, "seed-owner", 0, "Owner id of the seeded project")
}

func runMigrations(ctx context.Context) error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")
	for _, model := range core.AllModels() {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if migrateSeedProject != "" {
		if err := seedProject(ctx, core.NewDataStore(db.DB), migrateSeedProject); err != nil {
			logger.WithError(err).Warn("Failed to insert default project")
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func seedProject(ctx context.Context, store core.DataStore, name string) error {
	p := &core.Project{Name: name, OwnerID: migrateSeedOwner}
	if err := store.UpsertProject(ctx, p); err != nil {
		return err
	}
	logger.WithField("project_id", p.ID).WithField("project", p.Name).Info("Default project ready")
	return nil
}
