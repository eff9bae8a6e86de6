// Package rainday moves a day's jobs off a rained-out date, either all to one
// date or spread over the least-loaded upcoming days.
package rainday

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/lock"
	"crewflow/internal/notify"
	"crewflow/internal/reschedule"
	"crewflow/internal/weather"
)

type Mode string

const (
	ModeSingle Mode = "single"
	ModeSpread Mode = "spread"
)

var ErrInProgress = errors.New("rainday: redistribution already running for this date")

type Store interface {
	JobsOnDate(ctx context.Context, date string) ([]domain.Job, error)
	CountJobsByDate(ctx context.Context, dates []string) (map[string]int, error)
	CreateAlert(ctx context.Context, a domain.Alert) (string, error)
}

// Rescheduler is the shared reschedule-and-notify routine.
type Rescheduler interface {
	Reschedule(ctx context.Context, jobID, newDate, reason string) (reschedule.Outcome, error)
	NotifyOwner(ctx context.Context, kind notify.Kind, v notify.Vars) bool
}

type Forecaster interface {
	IsRainDay(ctx context.Context, zip string, date time.Time) (weather.Forecast, error)
}

type Request struct {
	Date       string `json:"date"`
	Mode       Mode   `json:"mode"`
	TargetDate string `json:"target_date,omitempty"`
	SpreadDays int    `json:"spread_days,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Result struct {
	Date              string               `json:"date"`
	Mode              Mode                 `json:"mode"`
	JobsAffected      int                  `json:"jobs_affected"`
	JobsRescheduled   int                  `json:"jobs_rescheduled"`
	Moves             []reschedule.Outcome `json:"moves"`
	JobsFailed        []string             `json:"jobs_failed"`
	NotificationsSent int                  `json:"notifications_sent"`
	SpreadSummary     map[string]int       `json:"spread_summary"`
}

type Redistributor struct {
	store       Store
	rescheduler Rescheduler
	forecast    Forecaster
	locker      lock.Locker
	log         zerolog.Logger
}

func New(st Store, rescheduler Rescheduler, forecast Forecaster, locker lock.Locker, log zerolog.Logger) *Redistributor {
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Redistributor{
		store:       st,
		rescheduler: rescheduler,
		forecast:    forecast,
		locker:      locker,
		log:         log.With().Str("component", "rainday").Logger(),
	}
}

// Redistribute moves every scheduled job on req.Date. A job whose date update
// fails is listed in JobsFailed and skipped; the run carries on with the rest.
func (r *Redistributor) Redistribute(ctx context.Context, req Request) (Result, error) {
	day, err := time.Parse(domain.DateLayout, req.Date)
	if err != nil {
		return Result{}, fmt.Errorf("date: %w", err)
	}
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	if req.Reason == "" {
		req.Reason = "rain"
	}

	release, err := r.locker.Obtain(ctx, "rainday:"+req.Date, 10*time.Minute)
	if errors.Is(err, lock.ErrNotObtained) {
		return Result{}, ErrInProgress
	}
	if err != nil {
		return Result{}, fmt.Errorf("obtain rain-day lock: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	jobs, err := r.store.JobsOnDate(ctx, req.Date)
	if err != nil {
		return Result{}, fmt.Errorf("load jobs on %s: %w", req.Date, err)
	}
	res := Result{
		Date:          req.Date,
		Mode:          req.Mode,
		JobsAffected:  len(jobs),
		Moves:         []reschedule.Outcome{},
		JobsFailed:    []string{},
		SpreadSummary: map[string]int{},
	}
	if len(jobs) == 0 {
		r.log.Info().Str("date", req.Date).Msg("no jobs to redistribute")
		return res, nil
	}

	targets, err := r.targets(ctx, req, day, len(jobs))
	if err != nil {
		return Result{}, err
	}
	if len(targets) != len(jobs) {
		return Result{}, fmt.Errorf("planned %d targets for %d jobs", len(targets), len(jobs))
	}

	for i, job := range jobs {
		out, err := r.rescheduler.Reschedule(ctx, job.ID, targets[i], req.Reason)
		if err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Str("target", targets[i]).Msg("reschedule failed")
			res.JobsFailed = append(res.JobsFailed, job.ID)
			continue
		}
		res.JobsRescheduled++
		res.Moves = append(res.Moves, out)
		res.NotificationsSent += out.Notifications
		res.SpreadSummary[targets[i]]++
	}

	r.record(ctx, res)
	return res, nil
}

func (r *Redistributor) targets(ctx context.Context, req Request, day time.Time, n int) ([]string, error) {
	switch req.Mode {
	case ModeSingle:
		target := req.TargetDate
		if target == "" {
			target = NextWorkday(day).Format(domain.DateLayout)
		}
		if _, err := time.Parse(domain.DateLayout, target); err != nil {
			return nil, fmt.Errorf("target date: %w", err)
		}
		if target == req.Date {
			return nil, fmt.Errorf("target date equals the affected date %s", req.Date)
		}
		out := make([]string, n)
		for i := range out {
			out[i] = target
		}
		return out, nil

	case ModeSpread:
		dates := CandidateDates(day, ClampSpreadDays(req.SpreadDays))
		counts, err := r.store.CountJobsByDate(ctx, dates)
		if err != nil {
			return nil, fmt.Errorf("count jobs on candidate dates: %w", err)
		}
		loads := make([]DateLoad, len(dates))
		for i, d := range dates {
			loads[i] = DateLoad{Date: d, Count: counts[d]}
		}
		return Spread(n, loads).Targets, nil
	}
	return nil, fmt.Errorf("unknown mode %q", req.Mode)
}

func (r *Redistributor) record(ctx context.Context, res Result) {
	msg := fmt.Sprintf("%s: %d of %d jobs rescheduled (%s), %d failed",
		res.Date, res.JobsRescheduled, res.JobsAffected, res.Mode, len(res.JobsFailed))
	if _, err := r.store.CreateAlert(ctx, domain.Alert{
		Type:      domain.AlertBulkReschedule,
		Threshold: res.JobsAffected,
		Actual:    res.JobsRescheduled,
		Message:   msg,
	}); err != nil {
		r.log.Error().Err(err).Str("date", res.Date).Msg("record bulk reschedule alert")
	}
	r.rescheduler.NotifyOwner(ctx, notify.KindOwnerRainDay, notify.Vars{OldDate: res.Date, Count: res.JobsRescheduled})
	r.log.Info().
		Str("date", res.Date).
		Str("mode", string(res.Mode)).
		Int("affected", res.JobsAffected).
		Int("rescheduled", res.JobsRescheduled).
		Int("failed", len(res.JobsFailed)).
		Int("notifications", res.NotificationsSent).
		Msg("rain day redistribution finished")
}

// CheckAndRedistribute asks the forecast for zip on date and spreads that
// day's jobs when it calls for rain. The bool reports whether it rained.
func (r *Redistributor) CheckAndRedistribute(ctx context.Context, zip string, date time.Time, spreadDays int) (Result, bool, error) {
	if r.forecast == nil {
		return Result{}, false, errors.New("no forecast source configured")
	}
	f, err := r.forecast.IsRainDay(ctx, zip, date)
	if err != nil {
		return Result{}, false, fmt.Errorf("forecast: %w", err)
	}
	if !f.RainDay {
		r.log.Debug().Str("zip", zip).Str("date", f.Date).Int("precip_chance", f.PrecipChance).Msg("no rain forecast")
		return Result{}, false, nil
	}
	reason := "rain in the forecast"
	if f.Summary != "" {
		reason = f.Summary
	}
	res, err := r.Redistribute(ctx, Request{
		Date:       date.Format(domain.DateLayout),
		Mode:       ModeSpread,
		SpreadDays: spreadDays,
		Reason:     reason,
	})
	return res, true, err
}
