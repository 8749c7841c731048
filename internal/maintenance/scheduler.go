// Package maintenance runs the periodic housekeeping jobs that keep the
// synthetic OTC core's state bounded over long uptimes: admin overlay
// expiry sweeps, price-history retention trimming, and backup rotation.
//
// The Scheduler wrapper is carried over from the teacher's scheduler
// package nearly unchanged — cron.New(cron.WithSeconds()) plus a small
// Job interface — since it already expresses exactly what this package
// needs.
package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named, independently schedulable unit of housekeeping work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  zerolog.Logger
}

// New creates a Scheduler bound to ctx; jobs stop receiving new runs once
// ctx is cancelled (Stop still waits for in-flight runs to finish).
func New(ctx context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		ctx:  ctx,
		log:  log.With().Str("component", "maintenance_scheduler").Logger(),
	}
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("maintenance scheduler started")
}

// Stop halts the scheduler, waiting for any in-flight job run to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// AddJob registers job on the given cron schedule (six-field, seconds
// first — e.g. "0 */5 * * * *" for every five minutes).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		log := s.log.With().Str("job", job.Name()).Logger()
		log.Debug().Msg("running maintenance job")
		if err := job.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("maintenance job failed")
			return
		}
		log.Debug().Msg("maintenance job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("maintenance job registered")
	return nil
}
