// Package followup turns business events into timed, deduplicated task plans
// and executes the individual steps when the worker hands them back.
package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/notify"
)

var ErrInvalidRequest = errors.New("followup: invalid request")

// MaxLeadStages bounds a lead sequence so CancelLeadFollowUp can reach every stage key.
const MaxLeadStages = 10

const (
	urgentAfter   = 10 * time.Minute
	escalateAfter = 20 * time.Minute

	cleanerReminderLead = 2 * time.Hour
	postServiceDelay    = 24 * time.Hour
)

type Scheduler interface {
	Schedule(ctx context.Context, t domain.NewTask) (string, bool, error)
	Cancel(ctx context.Context, dedupKey string) (int, error)
}

type Config struct {
	Delays       []time.Duration
	Location     *time.Location
	ReminderHour int
	Region       string
	MaxAttempts  int
	// VisibilityTimeout is how long a claimed step may run before the
	// worker treats its lease as expired.
	VisibilityTimeout time.Duration
}

func DefaultDelays() []time.Duration {
	return []time.Duration{0, 10 * time.Minute, 15 * time.Minute, 20 * time.Minute, 30 * time.Minute}
}

type Sequencer struct {
	sched Scheduler
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

func NewSequencer(sched Scheduler, cfg Config, log zerolog.Logger) *Sequencer {
	if len(cfg.Delays) == 0 {
		cfg.Delays = DefaultDelays()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ReminderHour <= 0 || cfg.ReminderHour > 23 {
		cfg.ReminderHour = 16
	}
	return &Sequencer{
		sched: sched,
		cfg:   cfg,
		log:   log.With().Str("component", "followup").Logger(),
		now:   time.Now,
	}
}

func (s *Sequencer) visibility() int {
	return int(s.cfg.VisibilityTimeout / time.Second)
}

func LeadStageKey(leadID string, stage int) string {
	return fmt.Sprintf("lead-%s-stage-%d", leadID, stage)
}

func BroadcastKey(jobID string, phase domain.BroadcastPhase) string {
	return fmt.Sprintf("job-%s-broadcast-%s", jobID, phase)
}

func DayBeforeKey(jobID string) string       { return "job-" + jobID + "-day-before" }
func CleanerReminderKey(jobID string) string { return "job-" + jobID + "-cleaner-reminder" }
func PostServiceKey(jobID string) string     { return "job-" + jobID + "-post-service" }

// StageAction is the channel for a lead stage: a text first, then a call,
// then a double call, then texts again.
func StageAction(stage int) domain.StageAction {
	switch stage {
	case 1:
		return domain.ActionCall
	case 2:
		return domain.ActionDoubleCall
	default:
		return domain.ActionText
	}
}

type LeadFollowUp struct {
	LeadID string
	Phone  string
	Name   string
	Delays []time.Duration // nil uses the configured delays
}

// ScheduleLeadFollowUp enqueues one task per delay, measured from now. Calling
// it again for the same lead while stages are pending does not add duplicates.
func (s *Sequencer) ScheduleLeadFollowUp(ctx context.Context, lf LeadFollowUp) ([]string, error) {
	if lf.LeadID == "" {
		return nil, fmt.Errorf("%w: lead id is required", ErrInvalidRequest)
	}
	delays := lf.Delays
	if delays == nil {
		delays = s.cfg.Delays
	}
	if len(delays) > MaxLeadStages {
		return nil, fmt.Errorf("%w: at most %d follow-up stages, got %d", ErrInvalidRequest, MaxLeadStages, len(delays))
	}
	phone, err := notify.NormalizePhone(lf.Phone, s.cfg.Region)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ids := make([]string, 0, len(delays))
	for stage, d := range delays {
		id, created, err := s.sched.Schedule(ctx, domain.NewTask{
			Type:              domain.TaskLeadFollowUp,
			DedupKey:          LeadStageKey(lf.LeadID, stage),
			DueAt:             now.Add(d),
			MaxAttempts:       s.cfg.MaxAttempts,
			VisibilityTimeout: s.visibility(),
			Payload: domain.LeadFollowUpPayload{
				LeadID: lf.LeadID,
				Phone:  phone,
				Name:   lf.Name,
				Stage:  stage,
				Action: StageAction(stage),
			},
		})
		if err != nil {
			return ids, fmt.Errorf("schedule lead %s stage %d: %w", lf.LeadID, stage, err)
		}
		if !created {
			s.log.Debug().Str("lead_id", lf.LeadID).Int("stage", stage).Msg("stage already scheduled")
		}
		ids = append(ids, id)
	}
	s.log.Info().Str("lead_id", lf.LeadID).Int("stages", len(ids)).Msg("lead follow-up scheduled")
	return ids, nil
}

// CancelLeadFollowUp drops every stage that has not started yet, e.g. once the
// lead books.
func (s *Sequencer) CancelLeadFollowUp(ctx context.Context, leadID string) (int, error) {
	total := 0
	for stage := 0; stage < MaxLeadStages; stage++ {
		n, err := s.sched.Cancel(ctx, LeadStageKey(leadID, stage))
		if err != nil {
			return total, err
		}
		total += n
	}
	s.log.Info().Str("lead_id", leadID).Int("cancelled", total).Msg("lead follow-up cancelled")
	return total, nil
}

// ScheduleJobBroadcast enqueues the initial, urgent (+10m) and escalate (+20m)
// phases. Each phase has its own key so a re-processed event cannot fire a
// phase twice while it is queued.
func (s *Sequencer) ScheduleJobBroadcast(ctx context.Context, jobID string, candidateLeadIDs []string) ([]string, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}
	now := s.now()
	phases := []struct {
		phase domain.BroadcastPhase
		after time.Duration
	}{
		{domain.PhaseInitial, 0},
		{domain.PhaseUrgent, urgentAfter},
		{domain.PhaseEscalate, escalateAfter},
	}
	ids := make([]string, 0, len(phases))
	for _, p := range phases {
		id, _, err := s.sched.Schedule(ctx, domain.NewTask{
			Type:              domain.TaskJobBroadcast,
			DedupKey:          BroadcastKey(jobID, p.phase),
			DueAt:             now.Add(p.after),
			MaxAttempts:       s.cfg.MaxAttempts,
			VisibilityTimeout: s.visibility(),
			Payload: domain.JobBroadcastPayload{
				JobID:            jobID,
				Phase:            p.phase,
				CandidateLeadIDs: candidateLeadIDs,
			},
		})
		if err != nil {
			return ids, fmt.Errorf("schedule job %s broadcast %s: %w", jobID, p.phase, err)
		}
		ids = append(ids, id)
	}
	s.log.Info().Str("job_id", jobID).Int("candidates", len(candidateLeadIDs)).Msg("job broadcast scheduled")
	return ids, nil
}

// DayBeforeDue is ReminderHour:00 local time on the calendar day before the
// appointment's date.
func (s *Sequencer) DayBeforeDue(appointment time.Time) time.Time {
	y, m, d := appointment.Date()
	return time.Date(y, m, d-1, s.cfg.ReminderHour, 0, 0, 0, s.cfg.Location)
}

// ScheduleDayBeforeReminder enqueues the customer reminder. A due time that
// has already passed is kept as is so the next poll sends it right away.
func (s *Sequencer) ScheduleDayBeforeReminder(ctx context.Context, jobID, phone, name string, appointment time.Time) (string, error) {
	normalized, err := notify.NormalizePhone(phone, s.cfg.Region)
	if err != nil {
		return "", err
	}
	due := s.DayBeforeDue(appointment)
	id, _, err := s.sched.Schedule(ctx, domain.NewTask{
		Type:              domain.TaskDayBeforeReminder,
		DedupKey:          DayBeforeKey(jobID),
		DueAt:             due,
		MaxAttempts:       s.cfg.MaxAttempts,
		VisibilityTimeout: s.visibility(),
		Payload: domain.DayBeforeReminderPayload{
			JobID:           jobID,
			Phone:           normalized,
			Name:            name,
			AppointmentDate: appointment,
		},
	})
	if err != nil {
		return "", fmt.Errorf("schedule day-before reminder for job %s: %w", jobID, err)
	}
	s.log.Info().Str("job_id", jobID).Time("due_at", due).Msg("day-before reminder scheduled")
	return id, nil
}

// ScheduleJobReminder reminds the assigned cleaner two hours before the start.
func (s *Sequencer) ScheduleJobReminder(ctx context.Context, jobID, cleanerID string, startsAt time.Time) (string, error) {
	id, _, err := s.sched.Schedule(ctx, domain.NewTask{
		Type:              domain.TaskJobReminder,
		DedupKey:          CleanerReminderKey(jobID),
		DueAt:             startsAt.Add(-cleanerReminderLead),
		MaxAttempts:       s.cfg.MaxAttempts,
		VisibilityTimeout: s.visibility(),
		Payload: domain.JobReminderPayload{
			JobID:         jobID,
			CleanerID:     cleanerID,
			ScheduledDate: startsAt.Format(domain.DateLayout),
		},
	})
	if err != nil {
		return "", fmt.Errorf("schedule cleaner reminder for job %s: %w", jobID, err)
	}
	return id, nil
}

// SchedulePostServiceFollowUp asks the customer for feedback a day after the job.
func (s *Sequencer) SchedulePostServiceFollowUp(ctx context.Context, jobID, phone, name string, completedAt time.Time) (string, error) {
	normalized, err := notify.NormalizePhone(phone, s.cfg.Region)
	if err != nil {
		return "", err
	}
	id, _, err := s.sched.Schedule(ctx, domain.NewTask{
		Type:              domain.TaskPostServiceFollowUp,
		DedupKey:          PostServiceKey(jobID),
		DueAt:             completedAt.Add(postServiceDelay),
		MaxAttempts:       s.cfg.MaxAttempts,
		VisibilityTimeout: s.visibility(),
		Payload:           domain.PostServiceFollowUpPayload{JobID: jobID, Phone: normalized, Name: name},
	})
	if err != nil {
		return "", fmt.Errorf("schedule post-service follow-up for job %s: %w", jobID, err)
	}
	return id, nil
}

// ReplanJobReminders moves a job's reminders to its current date. The pending
// ones are cancelled first so their dedup keys are free again; the cleaner
// reminder is only planned when a cleaner is assigned.
func (s *Sequencer) ReplanJobReminders(ctx context.Context, job domain.Job) error {
	if _, err := s.CancelJobReminders(ctx, job.ID); err != nil {
		return fmt.Errorf("cancel reminders for job %s: %w", job.ID, err)
	}
	if job.Status != domain.JobScheduled {
		return nil
	}
	startsAt, err := job.StartsAt(s.cfg.Location)
	if err != nil {
		return fmt.Errorf("job %s start: %w", job.ID, err)
	}
	if job.CustomerPhone != "" {
		if _, err := s.ScheduleDayBeforeReminder(ctx, job.ID, job.CustomerPhone, job.CustomerName, startsAt); err != nil {
			return err
		}
	}
	if job.CleanerID != nil {
		if _, err := s.ScheduleJobReminder(ctx, job.ID, *job.CleanerID, startsAt); err != nil {
			return err
		}
	}
	return nil
}

// CancelJobReminders drops the queued reminders for a job that was cancelled.
func (s *Sequencer) CancelJobReminders(ctx context.Context, jobID string) (int, error) {
	total := 0
	for _, key := range []string{DayBeforeKey(jobID), CleanerReminderKey(jobID)} {
		n, err := s.sched.Cancel(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
