package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
)

// memScheduler keeps live tasks by dedup key the way the queue does.
type memScheduler struct {
	live  map[string]domain.NewTask
	order []string
	seq   int
}

func newMemScheduler() *memScheduler {
	return &memScheduler{live: map[string]domain.NewTask{}}
}

func (m *memScheduler) Schedule(ctx context.Context, t domain.NewTask) (string, bool, error) {
	if _, ok := m.live[t.DedupKey]; ok {
		return "existing-" + t.DedupKey, false, nil
	}
	m.seq++
	m.live[t.DedupKey] = t
	m.order = append(m.order, t.DedupKey)
	return fmt.Sprintf("tsk_%d", m.seq), true, nil
}

func (m *memScheduler) Cancel(ctx context.Context, key string) (int, error) {
	if _, ok := m.live[key]; !ok {
		return 0, nil
	}
	delete(m.live, key)
	return 1, nil
}

var chicago = mustLocation("America/Chicago")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func newTestSequencer(sched Scheduler, now time.Time) *Sequencer {
	s := NewSequencer(sched, Config{Location: chicago, Region: "US", MaxAttempts: 3, VisibilityTimeout: 2 * time.Minute}, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func TestScheduleLeadFollowUpPlansEveryStage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, chicago)
	sched := newMemScheduler()
	s := newTestSequencer(sched, now)

	ids, err := s.ScheduleLeadFollowUp(ctx, LeadFollowUp{LeadID: "L1", Phone: "(650) 253-0000", Name: "Dana"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(ids))
	}

	wantDelay := []time.Duration{0, 10 * time.Minute, 15 * time.Minute, 20 * time.Minute, 30 * time.Minute}
	wantAction := []domain.StageAction{domain.ActionText, domain.ActionCall, domain.ActionDoubleCall, domain.ActionText, domain.ActionText}
	for stage := range wantDelay {
		key := LeadStageKey("L1", stage)
		task, ok := sched.live[key]
		if !ok {
			t.Fatalf("missing %s", key)
		}
		if !task.DueAt.Equal(now.Add(wantDelay[stage])) {
			t.Errorf("stage %d due %v, want %v", stage, task.DueAt, now.Add(wantDelay[stage]))
		}
		p := task.Payload.(domain.LeadFollowUpPayload)
		if p.Action != wantAction[stage] || p.Stage != stage {
			t.Errorf("stage %d: got action %s stage %d", stage, p.Action, p.Stage)
		}
		if p.Phone != "+16502530000" {
			t.Errorf("phone not normalized: %s", p.Phone)
		}
		if task.Type != domain.TaskLeadFollowUp || task.MaxAttempts != 3 || task.VisibilityTimeout != 120 {
			t.Errorf("stage %d: unexpected task settings %+v", stage, task)
		}
	}
}

func TestScheduleLeadFollowUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	s := newTestSequencer(sched, time.Now())
	lf := LeadFollowUp{LeadID: "L1", Phone: "+16502530000"}

	if _, err := s.ScheduleLeadFollowUp(ctx, lf); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleLeadFollowUp(ctx, lf); err != nil {
		t.Fatal(err)
	}
	if len(sched.order) != 5 {
		t.Errorf("re-trigger must not add tasks, have %d", len(sched.order))
	}
}

func TestScheduleLeadFollowUpValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestSequencer(newMemScheduler(), time.Now())

	tooMany := make([]time.Duration, MaxLeadStages+1)
	if _, err := s.ScheduleLeadFollowUp(ctx, LeadFollowUp{LeadID: "L1", Phone: "+16502530000", Delays: tooMany}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for too many stages, got %v", err)
	}
	if _, err := s.ScheduleLeadFollowUp(ctx, LeadFollowUp{Phone: "+16502530000"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for missing lead, got %v", err)
	}
	if _, err := s.ScheduleLeadFollowUp(ctx, LeadFollowUp{LeadID: "L1", Phone: "12"}); err == nil {
		t.Error("expected invalid phone to be rejected")
	}
}

func TestCancelLeadFollowUp(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	s := newTestSequencer(sched, time.Now())
	if _, err := s.ScheduleLeadFollowUp(ctx, LeadFollowUp{LeadID: "L1", Phone: "+16502530000"}); err != nil {
		t.Fatal(err)
	}
	n, err := s.CancelLeadFollowUp(ctx, "L1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || len(sched.live) != 0 {
		t.Errorf("expected all 5 stages cancelled, got %d (%d left)", n, len(sched.live))
	}
}

func TestScheduleJobBroadcastPhases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	sched := newMemScheduler()
	s := newTestSequencer(sched, now)

	if _, err := s.ScheduleJobBroadcast(ctx, "J1", []string{"c1", "c2"}); err != nil {
		t.Fatal(err)
	}
	want := map[domain.BroadcastPhase]time.Duration{
		domain.PhaseInitial:  0,
		domain.PhaseUrgent:   10 * time.Minute,
		domain.PhaseEscalate: 20 * time.Minute,
	}
	for phase, after := range want {
		task, ok := sched.live[BroadcastKey("J1", phase)]
		if !ok {
			t.Fatalf("missing phase %s", phase)
		}
		if !task.DueAt.Equal(now.Add(after)) {
			t.Errorf("%s due %v, want %v", phase, task.DueAt, now.Add(after))
		}
	}
	if BroadcastKey("J1", domain.PhaseUrgent) != "job-J1-broadcast-urgent" {
		t.Errorf("unexpected key %s", BroadcastKey("J1", domain.PhaseUrgent))
	}
}

func TestDayBeforeDue(t *testing.T) {
	s := newTestSequencer(newMemScheduler(), time.Now())
	cases := []struct {
		name string
		appt time.Time
		want time.Time
	}{
		{"local morning", time.Date(2024, 6, 10, 10, 0, 0, 0, chicago), time.Date(2024, 6, 9, 16, 0, 0, 0, chicago)},
		{"month boundary", time.Date(2024, 7, 1, 8, 0, 0, 0, chicago), time.Date(2024, 6, 30, 16, 0, 0, 0, chicago)},
		{"date-only value", time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 9, 16, 0, 0, 0, chicago)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := s.DayBeforeDue(c.appt); !got.Equal(c.want) {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestDayBeforeReminderInThePastStillScheduled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, chicago)
	sched := newMemScheduler()
	s := newTestSequencer(sched, now)

	appt := time.Date(2024, 6, 10, 12, 0, 0, 0, chicago)
	if _, err := s.ScheduleDayBeforeReminder(ctx, "J1", "+16502530000", "Dana", appt); err != nil {
		t.Fatal(err)
	}
	task, ok := sched.live[DayBeforeKey("J1")]
	if !ok {
		t.Fatal("reminder not scheduled")
	}
	if !task.DueAt.Before(now) {
		t.Errorf("expected past due time to be kept, got %v", task.DueAt)
	}
	p := task.Payload.(domain.DayBeforeReminderPayload)
	raw, _ := json.Marshal(p)
	var back domain.DayBeforeReminderPayload
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.AppointmentDate.Format(domain.DateLayout) != "2024-06-10" {
		t.Errorf("appointment date drifted: %s", back.AppointmentDate)
	}
}

func TestCleanerAndPostServiceTiming(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	s := newTestSequencer(sched, time.Now())
	start := time.Date(2024, 6, 10, 10, 0, 0, 0, chicago)

	if _, err := s.ScheduleJobReminder(ctx, "J1", "c1", start); err != nil {
		t.Fatal(err)
	}
	if got := sched.live[CleanerReminderKey("J1")].DueAt; !got.Equal(start.Add(-2 * time.Hour)) {
		t.Errorf("cleaner reminder due %v", got)
	}
	if _, err := s.SchedulePostServiceFollowUp(ctx, "J1", "+16502530000", "Dana", start); err != nil {
		t.Fatal(err)
	}
	if got := sched.live[PostServiceKey("J1")].DueAt; !got.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("post-service due %v", got)
	}

	if _, err := s.ScheduleDayBeforeReminder(ctx, "J1", "+16502530000", "Dana", start); err != nil {
		t.Fatal(err)
	}
	n, err := s.CancelJobReminders(ctx, "J1")
	if err != nil || n != 2 {
		t.Errorf("expected 2 reminders cancelled, got %d (%v)", n, err)
	}
	if _, ok := sched.live[PostServiceKey("J1")]; !ok {
		t.Error("post-service follow-up should survive reminder cancellation")
	}
}

func TestStageAction(t *testing.T) {
	want := map[int]domain.StageAction{0: domain.ActionText, 1: domain.ActionCall, 2: domain.ActionDoubleCall, 3: domain.ActionText, 9: domain.ActionText}
	for stage, a := range want {
		if got := StageAction(stage); got != a {
			t.Errorf("stage %d: got %s, want %s", stage, got, a)
		}
	}
}

func TestReplanJobReminders(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	s := newTestSequencer(sched, time.Date(2024, 6, 1, 9, 0, 0, 0, chicago))

	start := time.Date(2024, 6, 7, 10, 0, 0, 0, chicago)
	if _, err := s.ScheduleDayBeforeReminder(ctx, "J1", "+16502530000", "Dana", start); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleJobReminder(ctx, "J1", "c1", start); err != nil {
		t.Fatal(err)
	}

	moved := domain.Job{ID: "J1", CustomerName: "Dana", CustomerPhone: "+16502530000", ScheduledDate: "2024-06-12", ScheduledTime: "10:00", Status: domain.JobScheduled}
	if err := s.ReplanJobReminders(ctx, moved); err != nil {
		t.Fatal(err)
	}
	if got := sched.live[DayBeforeKey("J1")].DueAt; !got.Equal(time.Date(2024, 6, 11, 16, 0, 0, 0, chicago)) {
		t.Errorf("day-before due %v", got)
	}
	if _, ok := sched.live[CleanerReminderKey("J1")]; ok {
		t.Error("no cleaner assigned, cleaner reminder should be gone")
	}

	closed := moved
	closed.Status = domain.JobCancelled
	if err := s.ReplanJobReminders(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if len(sched.live) != 0 {
		t.Errorf("closed job should have no reminders, have %v", sched.live)
	}
}
