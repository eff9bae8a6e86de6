package cascade

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/notify"
	"crewflow/internal/store"
)

type sent struct {
	to   string
	kind notify.Kind
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []sent
}

func (n *recordingNotifier) add(to string, kind notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sent{to, kind})
	return true
}

func (n *recordingNotifier) NotifyCustomer(ctx context.Context, job domain.Job, kind notify.Kind, v notify.Vars) bool {
	return n.add("customer:"+job.ID, kind)
}

func (n *recordingNotifier) NotifyCleaner(ctx context.Context, cleanerID string, kind notify.Kind, v notify.Vars) bool {
	return n.add("cleaner:"+cleanerID, kind)
}

func (n *recordingNotifier) NotifyOwner(ctx context.Context, kind notify.Kind, v notify.Vars) bool {
	return n.add("owner", kind)
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if m.kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	store    store.Repository
	notifier *recordingNotifier
	cascade  *Cascade
	jobID    string
}

func setup(t *testing.T, cleaners ...string) fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cascade.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewSQLiteRepo(db)
	ctx := context.Background()
	for _, id := range cleaners {
		if _, err := st.CreateCleaner(ctx, domain.Cleaner{ID: id, Name: "Crew " + id, Phone: "+16502530001", Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	jobID, err := st.CreateJob(ctx, domain.Job{CustomerName: "Dana", CustomerPhone: "+16502530000", ScheduledDate: "2024-06-10"})
	if err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	return fixture{
		store:    st,
		notifier: n,
		cascade:  New(st, ActiveResolver{Cleaners: st}, n, zerolog.Nop()),
		jobID:    jobID,
	}
}

func TestStartThenAccept(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1", "c2")

	offer, err := f.cascade.Start(ctx, f.jobID)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Exhausted || offer.Assignment == nil {
		t.Fatalf("expected an offer, got %+v", offer)
	}
	if offer.Assignment.CleanerID != "c1" {
		t.Errorf("expected c1 first, got %s", offer.Assignment.CleanerID)
	}
	if f.notifier.count(notify.KindOffer) != 1 {
		t.Errorf("expected one offer message, got %d", f.notifier.count(notify.KindOffer))
	}

	out, err := f.cascade.OnAccept(ctx, offer.Assignment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.AssignmentConfirmed || out.AlreadySettled {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Notifications != 2 {
		t.Errorf("expected customer and cleaner notified, got %d", out.Notifications)
	}
	job, _ := f.store.GetJob(ctx, f.jobID)
	if !job.CleanerConfirmed || job.CleanerID == nil || *job.CleanerID != "c1" {
		t.Errorf("job not confirmed for c1: %+v", job)
	}
}

func TestDeclineOffersNextCandidate(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1", "c2")

	offer, err := f.cascade.Start(ctx, f.jobID)
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.cascade.OnDecline(ctx, offer.Assignment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Next == nil || out.Next.Assignment == nil {
		t.Fatalf("expected a follow-on offer, got %+v", out)
	}
	if out.Next.Assignment.CleanerID != "c2" {
		t.Errorf("expected c2 next, got %s", out.Next.Assignment.CleanerID)
	}
	if out.Escalated {
		t.Error("should not escalate while candidates remain")
	}
}

func TestExhaustionEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1", "c2", "c3")

	offer, err := f.cascade.Start(ctx, f.jobID)
	if err != nil {
		t.Fatal(err)
	}
	id := offer.Assignment.ID
	var last Outcome
	for i := 0; i < 3; i++ {
		last, err = f.cascade.OnDecline(ctx, id)
		if err != nil {
			t.Fatalf("decline %d: %v", i+1, err)
		}
		if i < 2 {
			id = last.Next.Assignment.ID
		}
	}

	if !last.Escalated || last.Next == nil || !last.Next.Exhausted {
		t.Fatalf("expected exhaustion after three declines, got %+v", last)
	}
	all, _ := f.store.ListAssignments(ctx, f.jobID)
	if len(all) != 3 {
		t.Errorf("expected exactly 3 offers, got %d", len(all))
	}
	if f.notifier.count(notify.KindOwnerEscalation) != 1 || f.notifier.count(notify.KindCustomerDelay) != 1 {
		t.Errorf("expected one owner escalation and one customer delay message, got %+v", f.notifier.msgs)
	}
	alerts, _ := f.store.ListAlerts(ctx, true)
	if len(alerts) != 1 || alerts[0].Type != domain.AlertCascadeExhausted {
		t.Errorf("expected one cascade_exhausted alert, got %+v", alerts)
	}

	// the stale id is settled, so replaying it changes nothing
	again, err := f.cascade.OnDecline(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AlreadySettled {
		t.Error("expected replayed decline to report already settled")
	}
	if f.notifier.count(notify.KindOwnerEscalation) != 1 {
		t.Error("replayed decline must not escalate again")
	}
}

func TestAcceptTwiceIsAlreadySettled(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1")
	offer, _ := f.cascade.Start(ctx, f.jobID)

	if _, err := f.cascade.OnAccept(ctx, offer.Assignment.ID); err != nil {
		t.Fatal(err)
	}
	out, err := f.cascade.OnAccept(ctx, offer.Assignment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.AlreadySettled || out.Status != domain.AssignmentConfirmed {
		t.Errorf("unexpected second accept outcome %+v", out)
	}
	if f.notifier.count(notify.KindCustomerConfirmed) != 1 {
		t.Error("customer should be told once")
	}

	out, err = f.cascade.OnDecline(ctx, offer.Assignment.ID)
	if err != nil || !out.AlreadySettled {
		t.Errorf("decline after accept: out=%+v err=%v", out, err)
	}
}

func TestStartWithOutstandingOffer(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1", "c2")
	if _, err := f.cascade.Start(ctx, f.jobID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cascade.Start(ctx, f.jobID); !errors.Is(err, ErrOfferOutstanding) {
		t.Errorf("expected ErrOfferOutstanding, got %v", err)
	}
}

func TestStartWithNoCleanersEscalates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	offer, err := f.cascade.Start(ctx, f.jobID)
	if err != nil {
		t.Fatal(err)
	}
	if !offer.Exhausted {
		t.Fatal("expected exhausted offer")
	}
	if f.notifier.count(notify.KindOwnerEscalation) != 1 {
		t.Error("expected owner escalation")
	}
}

func TestUnknownAssignment(t *testing.T) {
	f := setup(t, "c1")
	if _, err := f.cascade.OnAccept(context.Background(), "asg_missing"); !errors.Is(err, ErrNoSuchAssignment) {
		t.Errorf("expected ErrNoSuchAssignment, got %v", err)
	}
}

func TestClosedJobIsNotOffered(t *testing.T) {
	ctx := context.Background()
	for _, status := range []domain.JobStatus{domain.JobCancelled, domain.JobCompleted} {
		t.Run(string(status), func(t *testing.T) {
			f := setup(t, "c1")
			if err := f.store.SetJobStatus(ctx, f.jobID, status); err != nil {
				t.Fatal(err)
			}
			if _, err := f.cascade.Start(ctx, f.jobID); !errors.Is(err, ErrJobClosed) {
				t.Errorf("expected ErrJobClosed, got %v", err)
			}
			if f.notifier.count(notify.KindOffer) != 0 {
				t.Error("closed job must not be offered")
			}
			as, _ := f.store.ListAssignments(ctx, f.jobID)
			if len(as) != 0 {
				t.Errorf("expected no assignments, got %d", len(as))
			}
		})
	}
}

func TestDeclineAfterJobClosedStops(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "c1", "c2")
	offer, err := f.cascade.Start(ctx, f.jobID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetJobStatus(ctx, f.jobID, domain.JobCancelled); err != nil {
		t.Fatal(err)
	}
	out, err := f.cascade.OnDecline(ctx, offer.Assignment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.AssignmentDeclined || out.Next != nil || out.Escalated {
		t.Errorf("unexpected outcome %+v", out)
	}
	if f.notifier.count(notify.KindOffer) != 1 {
		t.Errorf("no further offers expected, got %d", f.notifier.count(notify.KindOffer))
	}
}

func TestRacingAcceptAndDecline(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 10; round++ {
		f := setup(t, "c1", "c2")
		offer, err := f.cascade.Start(ctx, f.jobID)
		if err != nil {
			t.Fatal(err)
		}
		id := offer.Assignment.ID

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			outcomes [2]Outcome
			errs     [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			outcomes[0], errs[0] = f.cascade.OnAccept(ctx, id)
		}()
		go func() {
			defer wg.Done()
			<-start
			outcomes[1], errs[1] = f.cascade.OnDecline(ctx, id)
		}()
		close(start)
		wg.Wait()

		winners := 0
		for i := range outcomes {
			if errs[i] != nil {
				t.Fatalf("round %d: callback %d failed: %v", round, i, errs[i])
			}
			if !outcomes[i].AlreadySettled {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d (%+v)", round, winners, outcomes)
		}

		as, err := f.store.ListAssignments(ctx, f.jobID)
		if err != nil {
			t.Fatal(err)
		}
		live := 0
		for _, a := range as {
			if a.Status == domain.AssignmentPending || a.Status == domain.AssignmentConfirmed {
				live++
			}
		}
		if live > 1 {
			t.Fatalf("round %d: %d live assignments", round, live)
		}
		if outcomes[0].AlreadySettled {
			if outcomes[0].Status != domain.AssignmentDeclined {
				t.Errorf("round %d: losing accept should report the decline, got %s", round, outcomes[0].Status)
			}
		} else {
			job, _ := f.store.GetJob(ctx, f.jobID)
			if !job.CleanerConfirmed {
				t.Errorf("round %d: accept won but job not confirmed", round)
			}
		}
	}
}
