package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
)

var (
	sweepTenant string
	sweepTokens bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "One-shot zombie session sweep",
	Long: `Closes open sessions whose last heartbeat is older than twice the liveness
window. The server runs this continuously; the command exists for operations
work when the server is down or a tenant needs an immediate pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepTenant, "tenant", "t", "", "Sweep a single tenant instead of all configured tenants")
	sweepCmd.Flags().BoolVar(&sweepTokens, "tokens", true, "Also purge activation tokens past retention")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep() error {
	store := core.NewTenantStore(cfg.Database)
	defer store.Close()

	quota := core.NewQuotaService(store, logger)
	devices := core.NewDeviceService(store, quota, nil, nil, logger, cfg.Activation)
	sessions := core.NewSessionService(store, devices, quota, nil, logger)

	tenants := store.Tenants()
	if sweepTenant != "" {
		tenants = []string{sweepTenant}
	}

	ctx := context.Background()
	for _, tenant := range tenants {
		closed, err := sessions.SweepZombies(ctx, tenant)
		if err != nil {
			return fmt.Errorf("sweep failed for tenant %q: %w", tenant, err)
		}

		var purged int64
		if sweepTokens {
			purged, err = devices.PurgeExpiredTokens(ctx, tenant)
			if err != nil {
				return fmt.Errorf("token purge failed for tenant %q: %w", tenant, err)
			}
		}

		logger.WithFields(logrus.Fields{
			"tenant":          tenant,
			"sessions_closed": closed,
			"tokens_purged":   purged,
		}).Info("Sweep completed")
	}
	return nil
}
