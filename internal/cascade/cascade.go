// Package cascade offers a job to crew members one at a time until someone
// accepts, and escalates to the owner when nobody is left to ask.
//
// A job moves Unassigned -> Offered(candidate) -> Confirmed, or
// Offered -> Declined -> Offered(next candidate) until the resolver runs dry,
// at which point the cascade is Exhausted and stops. Only one assignment per
// job is ever pending, so accept/decline calls holding a stale assignment id
// fall through the "still pending" check instead of double-booking.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/notify"
	"crewflow/internal/reschedule"
	"crewflow/internal/store"
)

var (
	ErrNoSuchAssignment = errors.New("cascade: no such assignment")
	ErrOfferOutstanding = errors.New("cascade: job already has an outstanding offer")
	ErrJobClosed        = errors.New("cascade: job is no longer scheduled")
)

type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetCleaner(ctx context.Context, id string) (domain.Cleaner, error)
	ConfirmCleaner(ctx context.Context, jobID, cleanerID string) error
	CreateAssignment(ctx context.Context, jobID, cleanerID string, now time.Time) (domain.Assignment, error)
	GetAssignment(ctx context.Context, id string) (domain.Assignment, error)
	SettleAssignment(ctx context.Context, id string, to domain.AssignmentStatus, now time.Time) (bool, error)
	DeclinedCleaners(ctx context.Context, jobID string) ([]string, error)
	CreateAlert(ctx context.Context, a domain.Alert) (string, error)
}

// Resolver picks the next eligible crew member for a job. Eligibility rules
// live with the resolver, not the cascade.
type Resolver interface {
	Next(ctx context.Context, job domain.Job, excluded map[string]bool) (domain.Cleaner, bool, error)
}

// Notifier is the shared notification routine (see reschedule.Service).
type Notifier interface {
	NotifyCustomer(ctx context.Context, job domain.Job, kind notify.Kind, v notify.Vars) bool
	NotifyCleaner(ctx context.Context, cleanerID string, kind notify.Kind, v notify.Vars) bool
	NotifyOwner(ctx context.Context, kind notify.Kind, v notify.Vars) bool
}

type Cascade struct {
	store    Store
	resolver Resolver
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func New(st Store, resolver Resolver, notifier Notifier, log zerolog.Logger) *Cascade {
	return &Cascade{
		store:    st,
		resolver: resolver,
		notifier: notifier,
		log:      log.With().Str("component", "cascade").Logger(),
		now:      time.Now,
	}
}

// Offer is the result of asking for the next candidate. Exhausted is set
// instead of an assignment when no eligible candidate remains.
type Offer struct {
	Assignment *domain.Assignment `json:"assignment,omitempty"`
	Exhausted  bool               `json:"exhausted"`
}

// Outcome reports what an accept/decline did.
type Outcome struct {
	AssignmentID   string                  `json:"assignment_id"`
	JobID          string                  `json:"job_id"`
	Status         domain.AssignmentStatus `json:"status"`
	AlreadySettled bool                    `json:"already_settled"`
	Next           *Offer                  `json:"next,omitempty"`
	Escalated      bool                    `json:"escalated"`
	Notifications  int                     `json:"notifications"`
}

// Start opens the cascade for a job, skipping anyone who already declined it.
// It escalates right away when nobody is eligible.
func (c *Cascade) Start(ctx context.Context, jobID string) (Offer, error) {
	declined, err := c.store.DeclinedCleaners(ctx, jobID)
	if err != nil {
		return Offer{}, fmt.Errorf("load declined cleaners: %w", err)
	}
	offer, err := c.OfferToNextCandidate(ctx, jobID, declined)
	if err != nil {
		return Offer{}, err
	}
	if offer.Exhausted {
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			return offer, fmt.Errorf("load job %s: %w", jobID, err)
		}
		c.escalate(ctx, job, len(declined))
	}
	return offer, nil
}

// OfferToNextCandidate creates a pending assignment for the next eligible
// cleaner outside excluded.
func (c *Cascade) OfferToNextCandidate(ctx context.Context, jobID string, excluded []string) (Offer, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Offer{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != domain.JobScheduled {
		return Offer{}, fmt.Errorf("%w: job %s is %s", ErrJobClosed, jobID, job.Status)
	}
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	cleaner, ok, err := c.resolver.Next(ctx, job, skip)
	if err != nil {
		return Offer{}, fmt.Errorf("resolve next candidate: %w", err)
	}
	if !ok {
		c.log.Info().Str("job_id", jobID).Int("excluded", len(skip)).Msg("no eligible candidate left")
		return Offer{Exhausted: true}, nil
	}

	a, err := c.store.CreateAssignment(ctx, jobID, cleaner.ID, c.now())
	if errors.Is(err, store.ErrOutstanding) {
		return Offer{}, ErrOfferOutstanding
	}
	if err != nil {
		return Offer{}, fmt.Errorf("create assignment: %w", err)
	}

	v := reschedule.VarsFor(job)
	v.Cleaner = cleaner.Name
	if !c.notifier.NotifyCleaner(ctx, cleaner.ID, notify.KindOffer, v) {
		c.log.Warn().Str("job_id", jobID).Str("cleaner_id", cleaner.ID).Msg("offer notification not delivered")
	}
	c.log.Info().Str("job_id", jobID).Str("cleaner_id", cleaner.ID).Str("assignment_id", a.ID).Msg("job offered")
	return Offer{Assignment: &a}, nil
}

// OnAccept confirms a pending assignment. An assignment that is no longer
// pending is reported as already settled and nothing else happens.
func (c *Cascade) OnAccept(ctx context.Context, assignmentID string) (Outcome, error) {
	a, settled, err := c.settle(ctx, assignmentID, domain.AssignmentConfirmed)
	if err != nil || settled != nil {
		return derefOutcome(settled), err
	}
	out := Outcome{AssignmentID: a.ID, JobID: a.JobID, Status: domain.AssignmentConfirmed}

	job, err := c.store.GetJob(ctx, a.JobID)
	if err != nil {
		return out, fmt.Errorf("load job %s: %w", a.JobID, err)
	}
	if err := c.store.ConfirmCleaner(ctx, a.JobID, a.CleanerID); err != nil {
		return out, fmt.Errorf("mark job %s confirmed: %w", a.JobID, err)
	}

	v := reschedule.VarsFor(job)
	if cl, err := c.store.GetCleaner(ctx, a.CleanerID); err == nil {
		v.Cleaner = cl.Name
	}
	if c.notifier.NotifyCustomer(ctx, job, notify.KindCustomerConfirmed, v) {
		out.Notifications++
	}
	if c.notifier.NotifyCleaner(ctx, a.CleanerID, notify.KindCleanerConfirmed, v) {
		out.Notifications++
	}
	c.log.Info().Str("job_id", a.JobID).Str("cleaner_id", a.CleanerID).Msg("assignment accepted")
	return out, nil
}

// OnDecline declines a pending assignment and moves the offer to the next
// candidate, escalating when none is left.
func (c *Cascade) OnDecline(ctx context.Context, assignmentID string) (Outcome, error) {
	a, settled, err := c.settle(ctx, assignmentID, domain.AssignmentDeclined)
	if err != nil || settled != nil {
		return derefOutcome(settled), err
	}
	out := Outcome{AssignmentID: a.ID, JobID: a.JobID, Status: domain.AssignmentDeclined}
	c.log.Info().Str("job_id", a.JobID).Str("cleaner_id", a.CleanerID).Msg("assignment declined")

	declined, err := c.store.DeclinedCleaners(ctx, a.JobID)
	if err != nil {
		return out, fmt.Errorf("load declined cleaners: %w", err)
	}
	next, err := c.OfferToNextCandidate(ctx, a.JobID, declined)
	if errors.Is(err, ErrJobClosed) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Next = &next
	if next.Exhausted {
		job, err := c.store.GetJob(ctx, a.JobID)
		if err != nil {
			return out, fmt.Errorf("load job %s: %w", a.JobID, err)
		}
		out.Notifications += c.escalate(ctx, job, len(declined))
		out.Escalated = true
	}
	return out, nil
}

// settle runs the conditional pending -> to transition. A non-nil Outcome
// means the assignment was already settled.
func (c *Cascade) settle(ctx context.Context, id string, to domain.AssignmentStatus) (domain.Assignment, *Outcome, error) {
	a, err := c.store.GetAssignment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Assignment{}, nil, ErrNoSuchAssignment
	}
	if err != nil {
		return domain.Assignment{}, nil, err
	}
	if a.Status == domain.AssignmentPending {
		ok, err := c.store.SettleAssignment(ctx, id, to, c.now())
		if err != nil {
			return domain.Assignment{}, nil, err
		}
		if ok {
			return a, nil, nil
		}
		// lost the race; report whatever won
		if a, err = c.store.GetAssignment(ctx, id); err != nil {
			return domain.Assignment{}, nil, err
		}
	}
	c.log.Debug().Str("assignment_id", id).Str("status", string(a.Status)).Msg("assignment already settled")
	return a, &Outcome{AssignmentID: a.ID, JobID: a.JobID, Status: a.Status, AlreadySettled: true}, nil
}

// escalate tells the customer about the delay, records an alert and pages
// the owner. It returns how many messages went out.
func (c *Cascade) escalate(ctx context.Context, job domain.Job, offers int) int {
	sent := 0
	v := reschedule.VarsFor(job)
	v.Count = offers
	if c.notifier.NotifyCustomer(ctx, job, notify.KindCustomerDelay, v) {
		sent++
	}
	jobID := job.ID
	if _, err := c.store.CreateAlert(ctx, domain.Alert{
		Type:      domain.AlertCascadeExhausted,
		JobID:     &jobID,
		Threshold: 1,
		Actual:    0,
		Message:   fmt.Sprintf("no cleaner accepted job %s on %s after %d offers", job.ID, job.ScheduledDate, offers),
	}); err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Msg("record escalation alert")
	}
	if c.notifier.NotifyOwner(ctx, notify.KindOwnerEscalation, v) {
		sent++
	}
	c.log.Warn().Str("job_id", job.ID).Int("offers", offers).Msg("cascade exhausted, escalated to owner")
	return sent
}

func derefOutcome(o *Outcome) Outcome {
	if o == nil {
		return Outcome{}
	}
	return *o
}
