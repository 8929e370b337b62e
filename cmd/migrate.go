package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
	"github.com/nextTPCloud/Omerix-sub006/internal/utils"
)

var migrateSeed bool

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations for every tenant",
	Long:  `Applies all pending schema migrations to each configured tenant database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "insert development seed data after migrating")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	store := core.NewTenantStore(cfg.Database)
	defer store.Close()

	for _, tenant := range store.Tenants() {
		logger.WithField("tenant", tenant).Info("Migrating tenant database")
		if err := core.MigrateTenant(store, tenant); err != nil {
			return fmt.Errorf("failed to migrate tenant %q: %w", tenant, err)
		}

		if migrateSeed {
			if err := insertSeedData(store, tenant); err != nil {
				logger.WithError(err).WithField("tenant", tenant).Warn("Failed to insert seed data")
			}
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

// insertSeedData provisions a starter plan and an admin operator so a fresh
// environment can issue its first activation token.
func insertSeedData(store core.TenantStore, tenant string) error {
	ctx := context.Background()
	repo, err := store.Repo(tenant)
	if err != nil {
		return err
	}

	sub, err := repo.GetActiveSubscription(ctx)
	if err == nil && sub != nil {
		return nil // already seeded
	}

	logger.WithField("tenant", tenant).Info("Inserting seed subscription and operator")

	if err := repo.CreateSubscription(ctx, &core.Subscription{
		PlanCode:     "starter",
		DeviceLimit:  2,
		SessionLimit: 2,
		Active:       true,
	}); err != nil {
		return err
	}

	return repo.CreateOperator(ctx, &core.Operator{
		Name:    "Administrator",
		Role:    core.RoleAdmin,
		PINHash: utils.HashPIN("0000"),
		Active:  true,
	})
}
