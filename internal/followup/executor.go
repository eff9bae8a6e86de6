package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/notify"
	"crewflow/internal/reschedule"
	"crewflow/internal/worker"
)

type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetCleaner(ctx context.Context, id string) (domain.Cleaner, error)
	CreateAlert(ctx context.Context, a domain.Alert) (string, error)
}

type OwnerNotifier interface {
	NotifyOwner(ctx context.Context, kind notify.Kind, v notify.Vars) bool
}

// Executor runs the steps the Sequencer planned. A returned error sends the
// task back through the scheduler's retry path; a step that no longer
// applies (job filled, cancelled or moved) returns nil.
type Executor struct {
	out     notify.Outbound
	compose notify.Composer
	jobs    JobStore
	owner   OwnerNotifier
	log     zerolog.Logger
}

func NewExecutor(out notify.Outbound, compose notify.Composer, jobs JobStore, owner OwnerNotifier, log zerolog.Logger) *Executor {
	return &Executor{
		out:     out,
		compose: compose,
		jobs:    jobs,
		owner:   owner,
		log:     log.With().Str("component", "followup").Logger(),
	}
}

// Handlers wires each task kind to its step.
func (e *Executor) Handlers() worker.Handlers {
	return worker.Handlers{
		LeadFollowUp:        worker.HandlerFunc(e.LeadFollowUp),
		JobBroadcast:        worker.HandlerFunc(e.JobBroadcast),
		DayBeforeReminder:   worker.HandlerFunc(e.DayBeforeReminder),
		JobReminder:         worker.HandlerFunc(e.JobReminder),
		PostServiceFollowUp: worker.HandlerFunc(e.PostServiceFollowUp),
	}
}

func (e *Executor) LeadFollowUp(ctx context.Context, raw json.RawMessage) error {
	var p domain.LeadFollowUpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode lead follow-up: %w", err)
	}
	v := notify.Vars{Name: p.Name, Stage: p.Stage}

	switch p.Action {
	case domain.ActionText:
		return e.text(ctx, p.Phone, notify.KindLeadText, v)
	case domain.ActionCall:
		return e.call(ctx, p.Phone, v)
	case domain.ActionDoubleCall:
		// two calls back to back get past most do-not-disturb filters
		first := e.call(ctx, p.Phone, v)
		second := e.call(ctx, p.Phone, v)
		if first != nil && second != nil {
			return errors.Join(first, second)
		}
		return nil
	}
	return fmt.Errorf("unknown stage action %q", p.Action)
}

func (e *Executor) JobBroadcast(ctx context.Context, raw json.RawMessage) error {
	var p domain.JobBroadcastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode job broadcast: %w", err)
	}
	job, err := e.jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	log := e.log.With().Str("job_id", job.ID).Str("phase", string(p.Phase)).Logger()
	if job.CleanerConfirmed || job.Status != domain.JobScheduled {
		log.Info().Msg("job no longer open, broadcast phase skipped")
		return nil
	}
	v := reschedule.VarsFor(job)

	if p.Phase == domain.PhaseEscalate {
		jobID := job.ID
		if _, err := e.jobs.CreateAlert(ctx, domain.Alert{
			Type:      domain.AlertBroadcastUnfilled,
			JobID:     &jobID,
			Threshold: 1,
			Actual:    0,
			Message:   fmt.Sprintf("job %s on %s unfilled after broadcast to %d candidates", job.ID, job.ScheduledDate, len(p.CandidateLeadIDs)),
		}); err != nil {
			return fmt.Errorf("record unfilled alert: %w", err)
		}
		if !e.owner.NotifyOwner(ctx, notify.KindBroadcastEscalate, v) {
			log.Warn().Msg("owner escalation not delivered")
		}
		return nil
	}

	kind := notify.KindBroadcastInitial
	if p.Phase == domain.PhaseUrgent {
		kind = notify.KindBroadcastUrgent
	}
	msg, err := e.compose.Compose(ctx, kind, v)
	if err != nil {
		return err
	}
	sent := 0
	for _, id := range p.CandidateLeadIDs {
		c, err := e.jobs.GetCleaner(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("candidate_id", id).Msg("unknown broadcast candidate")
			continue
		}
		if err := e.out.SMS.Send(ctx, c.Phone, msg); err != nil {
			log.Warn().Err(err).Str("candidate_id", id).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	log.Info().Int("sent", sent).Int("candidates", len(p.CandidateLeadIDs)).Msg("broadcast phase sent")
	if sent == 0 && len(p.CandidateLeadIDs) > 0 {
		return fmt.Errorf("broadcast %s reached none of %d candidates", p.Phase, len(p.CandidateLeadIDs))
	}
	return nil
}

func (e *Executor) DayBeforeReminder(ctx context.Context, raw json.RawMessage) error {
	var p domain.DayBeforeReminderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode day-before reminder: %w", err)
	}
	job, err := e.jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	date := p.AppointmentDate.Format(domain.DateLayout)
	if job.Status != domain.JobScheduled || job.ScheduledDate != date {
		e.log.Info().Str("job_id", job.ID).Str("planned_for", date).Str("now_on", job.ScheduledDate).Msg("reminder stale, skipped")
		return nil
	}
	v := reschedule.VarsFor(job)
	v.Name = p.Name
	return e.text(ctx, p.Phone, notify.KindDayBefore, v)
}

func (e *Executor) JobReminder(ctx context.Context, raw json.RawMessage) error {
	var p domain.JobReminderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode job reminder: %w", err)
	}
	job, err := e.jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	if job.Status != domain.JobScheduled || job.ScheduledDate != p.ScheduledDate ||
		job.CleanerID == nil || *job.CleanerID != p.CleanerID {
		e.log.Info().Str("job_id", job.ID).Str("cleaner_id", p.CleanerID).Str("planned_for", p.ScheduledDate).Str("now_on", job.ScheduledDate).Msg("cleaner reminder stale, skipped")
		return nil
	}
	c, err := e.jobs.GetCleaner(ctx, p.CleanerID)
	if err != nil {
		return fmt.Errorf("load cleaner %s: %w", p.CleanerID, err)
	}
	to := c.ChatID
	if to == "" {
		to = c.Phone
	}
	msg, err := e.compose.Compose(ctx, notify.KindCleanerReminder, reschedule.VarsFor(job))
	if err != nil {
		return err
	}
	return e.out.Chat.Send(ctx, to, msg)
}

func (e *Executor) PostServiceFollowUp(ctx context.Context, raw json.RawMessage) error {
	var p domain.PostServiceFollowUpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode post-service follow-up: %w", err)
	}
	return e.text(ctx, p.Phone, notify.KindPostService, notify.Vars{Name: p.Name, JobID: p.JobID})
}

func (e *Executor) text(ctx context.Context, to string, kind notify.Kind, v notify.Vars) error {
	msg, err := e.compose.Compose(ctx, kind, v)
	if err != nil {
		return err
	}
	return e.out.SMS.Send(ctx, to, msg)
}

func (e *Executor) call(ctx context.Context, to string, v notify.Vars) error {
	script, err := e.compose.Compose(ctx, notify.KindLeadCall, v)
	if err != nil {
		return err
	}
	return e.out.Caller.Call(ctx, to, script)
}
