package di

import (
	"context"
	"fmt"

	"github.com/otcplatform/sentinel-otc/internal/maintenance"
)

const overlayCleanupSchedule = "0 * * * * *" // every minute, spec §4.G floor

// Start begins every background role described in spec §5: the per-symbol
// market loop, the settlement dispatcher, the real-feed push connection,
// and the cron-driven maintenance sweeps. It first rehydrates the exposure
// book from its persisted snapshot and performs crash recovery (spec §4.F):
// any OPEN position whose expiry has already passed is settled directly,
// before the dispatcher starts.
func (c *Container) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	snapshots, err := c.Gateway.ListExposures(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("rehydrate exposure book: %w", err)
	}
	c.Exposure.Restore(snapshots)

	if err := c.Settlement.RecoverOnStartup(runCtx); err != nil {
		c.Log.Error().Err(err).Msg("crash-recovery scan for stragglers failed")
	}

	go c.market.run(runCtx)
	go c.Settlement.Run(runCtx)
	go c.Feed.RunPush(runCtx)

	c.Scheduler = maintenance.New(runCtx, c.Log)
	if err := c.Scheduler.AddJob(overlayCleanupSchedule, maintenance.NewOverlayCleanupJob(c.Admin, c.Log)); err != nil {
		return fmt.Errorf("register overlay cleanup job: %w", err)
	}
	if err := c.Scheduler.AddJob("0 0 3 * * *", maintenance.NewPriceHistoryRetentionJob(c.Gateway, c.Config.PriceHistoryRetention, c.Log)); err != nil {
		return fmt.Errorf("register price history retention job: %w", err)
	}
	if c.Archive != nil {
		dbPaths := map[string]string{"core": c.Config.DataDir + "/core.db"}
		if err := c.Scheduler.AddJob("0 30 3 * * *", maintenance.NewBackupRotationJob(c.Archive, dbPaths, c.Config.BackupRetention, c.Config.BackupMinKeep, c.Log)); err != nil {
			return fmt.Errorf("register backup rotation job: %w", err)
		}
	}
	c.Scheduler.Start()

	return nil
}

// Shutdown stops every background role and closes the database.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	return c.DB.Close()
}
