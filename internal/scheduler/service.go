// Package scheduler fires the time-of-day triggers (the nightly rain check,
// the queue report) on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one cron-triggered unit. Errors are logged, never retried here.
type Job func(ctx context.Context, now time.Time) error

type Service struct {
	cron *cron.Cron
	loc  *time.Location
	log  zerolog.Logger
	ctx  context.Context
	jobs int
}

func NewService(loc *time.Location, log zerolog.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		cron: cron.New(cron.WithLocation(loc)),
		loc:  loc,
		log:  log.With().Str("component", "scheduler").Logger(),
		ctx:  context.Background(),
	}
}

// Add registers fn under name on a standard five-field cron expression.
func (s *Service) Add(name, expr string, fn Job) error {
	if err := ValidateCronExpression(expr); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	_, err := s.cron.AddFunc(expr, func() { s.run(name, fn) })
	if err != nil {
		return err
	}
	s.jobs++
	next, _ := s.NextRun(expr, time.Now())
	s.log.Info().Str("schedule", name).Str("cron_expr", expr).Time("next_run", next).Msg("schedule registered")
	return nil
}

// NextRun is NextRunTime evaluated in the service's timezone.
func (s *Service) NextRun(expr string, from time.Time) (time.Time, error) {
	return NextRunTime(expr, from.In(s.loc))
}

func (s *Service) run(name string, fn Job) {
	start := time.Now()
	if err := fn(s.ctx, start); err != nil {
		s.log.Error().Err(err).Str("schedule", name).Msg("scheduled job failed")
		return
	}
	s.log.Info().Str("schedule", name).Dur("took", time.Since(start)).Msg("scheduled job done")
}

// Start runs the cron loop until ctx is done, then waits for running jobs.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info().Int("schedules", s.jobs).Msg("schedule service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression in from's
// location.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
