// Package reschedule is the single reschedule-and-notify routine shared by the
// assignment cascade and the rain-day redistributor.
package reschedule

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/notify"
)

type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	UpdateJobDate(ctx context.Context, id, date string) error
	GetCleaner(ctx context.Context, id string) (domain.Cleaner, error)
	SetCustomerNotified(ctx context.Context, jobID string, notified bool) error
}

// ReminderPlanner moves the queued reminders of a job to its new date.
type ReminderPlanner interface {
	ReplanJobReminders(ctx context.Context, job domain.Job) error
}

type Service struct {
	store      Store
	out        notify.Outbound
	compose    notify.Composer
	ownerPhone string
	reminders  ReminderPlanner
	log        zerolog.Logger
}

// NewService builds the shared routine. reminders may be nil when nothing
// plans job reminders.
func NewService(store Store, out notify.Outbound, compose notify.Composer, ownerPhone string, reminders ReminderPlanner, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		out:        out,
		compose:    compose,
		ownerPhone: ownerPhone,
		reminders:  reminders,
		log:        log.With().Str("component", "reschedule").Logger(),
	}
}

// Outcome describes one committed date change.
type Outcome struct {
	JobID         string `json:"job_id"`
	OldDate       string `json:"old_date"`
	NewDate       string `json:"new_date"`
	Notifications int    `json:"notifications"`
}

// Reschedule commits the new date first and then tells the customer and the
// assigned cleaner. An error means the date did not change; notification
// failures only lower Outcome.Notifications.
func (s *Service) Reschedule(ctx context.Context, jobID, newDate, reason string) (Outcome, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if err := s.store.UpdateJobDate(ctx, jobID, newDate); err != nil {
		return Outcome{}, fmt.Errorf("update job %s date: %w", jobID, err)
	}
	out := Outcome{JobID: jobID, OldDate: job.ScheduledDate, NewDate: newDate}

	if s.reminders != nil {
		moved := job
		moved.ScheduledDate = newDate
		if err := s.reminders.ReplanJobReminders(ctx, moved); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("replan reminders")
		}
	}

	v := VarsFor(job)
	v.OldDate = job.ScheduledDate
	v.Date = newDate
	v.Reason = reason
	if s.NotifyCustomer(ctx, job, notify.KindCustomerMoved, v) {
		out.Notifications++
		if err := s.store.SetCustomerNotified(ctx, jobID, true); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("mark customer notified")
		}
	}
	if job.CleanerID != nil && s.NotifyCleaner(ctx, *job.CleanerID, notify.KindCleanerMoved, v) {
		out.Notifications++
	}

	s.log.Info().
		Str("job_id", jobID).
		Str("old_date", out.OldDate).
		Str("new_date", newDate).
		Int("notifications", out.Notifications).
		Msg("job rescheduled")
	return out, nil
}

// NotifyCustomer texts the job's customer and reports whether the send succeeded.
func (s *Service) NotifyCustomer(ctx context.Context, job domain.Job, kind notify.Kind, v notify.Vars) bool {
	return s.send(ctx, s.out.SMS, job.CustomerPhone, kind, v, job.ID)
}

// NotifyCleaner messages a crew member over chat.
func (s *Service) NotifyCleaner(ctx context.Context, cleanerID string, kind notify.Kind, v notify.Vars) bool {
	c, err := s.store.GetCleaner(ctx, cleanerID)
	if err != nil {
		s.log.Warn().Err(err).Str("cleaner_id", cleanerID).Msg("load cleaner for notification")
		return false
	}
	to := c.ChatID
	if to == "" {
		to = c.Phone
	}
	return s.send(ctx, s.out.Chat, to, kind, v, v.JobID)
}

// NotifyOwner texts the business owner.
func (s *Service) NotifyOwner(ctx context.Context, kind notify.Kind, v notify.Vars) bool {
	return s.send(ctx, s.out.SMS, s.ownerPhone, kind, v, v.JobID)
}

func (s *Service) send(ctx context.Context, sender notify.Sender, to string, kind notify.Kind, v notify.Vars, jobID string) bool {
	if sender == nil {
		return false
	}
	msg, err := s.compose.Compose(ctx, kind, v)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Str("job_id", jobID).Msg("compose message")
		return false
	}
	if err := sender.Send(ctx, to, msg); err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Str("job_id", jobID).Msg("send notification")
		return false
	}
	return true
}

// VarsFor fills the message fields every job notification shares.
func VarsFor(j domain.Job) notify.Vars {
	v := notify.Vars{
		Name:    j.CustomerName,
		JobID:   j.ID,
		Date:    j.ScheduledDate,
		Time:    j.ScheduledTime,
		Address: j.Address,
	}
	if !j.Price.IsZero() {
		v.Price = j.Price.StringFixed(2)
	}
	return v
}
