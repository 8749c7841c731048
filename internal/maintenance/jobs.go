package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OverlaySweeper matches internal/admin.Panel's cleanup method.
type OverlaySweeper interface {
	CleanupExpired(now time.Time) int
}

// OverlayCleanupJob removes lapsed admin control overlays so Panel's maps
// don't grow unbounded across a long-running process (spec §4.G).
type OverlayCleanupJob struct {
	panel OverlaySweeper
	log   zerolog.Logger
}

// NewOverlayCleanupJob builds the overlay expiry sweep job.
func NewOverlayCleanupJob(panel OverlaySweeper, log zerolog.Logger) *OverlayCleanupJob {
	return &OverlayCleanupJob{panel: panel, log: log.With().Str("job", "overlay_cleanup").Logger()}
}

func (j *OverlayCleanupJob) Name() string { return "overlay_cleanup" }

func (j *OverlayCleanupJob) Run(_ context.Context) error {
	removed := j.panel.CleanupExpired(time.Now())
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("swept expired control overlays")
	}
	return nil
}

// HistoryTrimmer trims price-history rows outside the retention window.
type HistoryTrimmer interface {
	TrimPriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PriceHistoryRetentionJob bounds the price_history table's growth,
// deleting rows older than retention (spec §4.I: "the history mirror is
// retained for an operator-configured window, not forever").
type PriceHistoryRetentionJob struct {
	store     HistoryTrimmer
	retention time.Duration
	log       zerolog.Logger
}

// NewPriceHistoryRetentionJob builds the price-history trim job.
func NewPriceHistoryRetentionJob(store HistoryTrimmer, retention time.Duration, log zerolog.Logger) *PriceHistoryRetentionJob {
	return &PriceHistoryRetentionJob{store: store, retention: retention, log: log.With().Str("job", "price_history_retention").Logger()}
}

func (j *PriceHistoryRetentionJob) Name() string { return "price_history_retention" }

func (j *PriceHistoryRetentionJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.store.TrimPriceHistoryBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("trim price history: %w", err)
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted_rows", deleted).Time("cutoff", cutoff).Msg("trimmed price history")
	}
	return nil
}

// Archiver matches internal/archive.Client's backup surface.
type Archiver interface {
	CreateAndUpload(ctx context.Context, dbPaths map[string]string) (string, error)
	Rotate(ctx context.Context, retention time.Duration, minKeep int) (int, error)
}

// BackupRotationJob uploads a fresh cold-storage snapshot and rotates out
// backups past retention, grounded on the teacher's R2BackupService daily
// maintenance step.
type BackupRotationJob struct {
	archiver  Archiver
	dbPaths   map[string]string
	retention time.Duration
	minKeep   int
	log       zerolog.Logger
}

// NewBackupRotationJob builds the backup-and-rotate job. dbPaths maps a
// logical database name (e.g. "core") to its file path on disk.
func NewBackupRotationJob(archiver Archiver, dbPaths map[string]string, retention time.Duration, minKeep int, log zerolog.Logger) *BackupRotationJob {
	return &BackupRotationJob{
		archiver: archiver, dbPaths: dbPaths, retention: retention, minKeep: minKeep,
		log: log.With().Str("job", "backup_rotation").Logger(),
	}
}

func (j *BackupRotationJob) Name() string { return "backup_rotation" }

func (j *BackupRotationJob) Run(ctx context.Context) error {
	key, err := j.archiver.CreateAndUpload(ctx, j.dbPaths)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	j.log.Info().Str("archive", key).Msg("uploaded cold-storage backup")

	deleted, err := j.archiver.Rotate(ctx, j.retention, j.minKeep)
	if err != nil {
		return fmt.Errorf("rotate backups: %w", err)
	}
	if deleted > 0 {
		j.log.Info().Int("deleted", deleted).Msg("rotated stale backups")
	}
	return nil
}
