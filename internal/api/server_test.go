package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crewflow/internal/cascade"
	"crewflow/internal/domain"
	"crewflow/internal/followup"
	"crewflow/internal/notify"
	"crewflow/internal/queue"
	"crewflow/internal/rainday"
	"crewflow/internal/reschedule"
	"crewflow/internal/store"
	"crewflow/internal/worker"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	tasks := queue.NewSQLiteRepo(db)
	jobs := store.NewSQLiteRepo(db)
	log := zerolog.Nop()
	sink := notify.LogSender{Channel: notify.ChannelSMS, Log: log}
	out := notify.Outbound{SMS: sink, Chat: sink, Caller: sink}
	composer, err := notify.NewTemplateComposer(nil)
	if err != nil {
		t.Fatal(err)
	}
	seq := followup.NewSequencer(tasks, followup.Config{Location: time.UTC, Region: "US"}, log)
	resched := reschedule.NewService(jobs, out, composer, "+16502539999", seq, log)
	exec := followup.NewExecutor(out, composer, jobs, resched, log)
	pool, err := worker.NewPool(tasks, exec.Handlers(), worker.Config{}, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(Deps{
		Tasks:     tasks,
		Store:     jobs,
		Sequencer: seq,
		Cascade:   cascade.New(jobs, cascade.ActiveResolver{Cleaners: jobs}, resched, log),
		Rain:      rainday.New(jobs, resched, nil, nil, log),
		Worker:    pool,
		Location:  time.UTC,
		Region:    "US",
		Log:       log,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body)).WithContext(context.Background())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func createJob(t *testing.T, h http.Handler, date string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/jobs", `{"customer_name":"Dana","customer_phone":"650 253 0000","price":"120.50","scheduled_date":"`+date+`","scheduled_time":"10:00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	return resp["id"]
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestServer(t)
	cases := map[string]string{
		"bad date":      `{"customer_name":"Dana","customer_phone":"650 253 0000","scheduled_date":"June 7"}`,
		"missing name":  `{"customer_phone":"650 253 0000","scheduled_date":"2024-06-07"}`,
		"bad price":     `{"customer_name":"Dana","customer_phone":"650 253 0000","scheduled_date":"2024-06-07","price":"lots"}`,
		"bad phone":     `{"customer_name":"Dana","customer_phone":"12","scheduled_date":"2024-06-07"}`,
		"malformed":     `{"customer_name":`,
		"bad time":      `{"customer_name":"Dana","customer_phone":"650 253 0000","scheduled_date":"2024-06-07","scheduled_time":"10am"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/api/jobs", body); rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJobNotFound(t *testing.T) {
	h := newTestServer(t)
	for _, path := range []string{"/api/jobs/nope", "/api/tasks/nope"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/nope/offer", ""); rec.Code != http.StatusNotFound {
		t.Errorf("offer: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/assignments/nope/accept", ""); rec.Code != http.StatusNotFound {
		t.Errorf("accept: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/alerts/nope/ack", ""); rec.Code != http.StatusNotFound {
		t.Errorf("ack: expected 404, got %d", rec.Code)
	}
}

func TestOfferAcceptFlow(t *testing.T) {
	h := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/api/cleaners", `{"name":"Ana","phone":"650 253 0001"}`); rec.Code != http.StatusCreated {
		t.Fatalf("create cleaner: %d %s", rec.Code, rec.Body.String())
	}
	jobID := createJob(t, h, "2024-06-10")

	rec := do(t, h, http.MethodPost, "/api/jobs/"+jobID+"/offer", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("offer: %d %s", rec.Code, rec.Body.String())
	}
	var offer cascade.Offer
	decodeBody(t, rec, &offer)
	if offer.Assignment == nil || offer.Exhausted {
		t.Fatalf("expected an assignment, got %+v", offer)
	}

	if rec := do(t, h, http.MethodPost, "/api/jobs/"+jobID+"/offer", ""); rec.Code != http.StatusConflict {
		t.Errorf("second offer: expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/assignments/"+offer.Assignment.ID+"/accept", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	var out cascade.Outcome
	decodeBody(t, rec, &out)
	if out.Status != domain.AssignmentConfirmed || out.AlreadySettled {
		t.Errorf("unexpected outcome %+v", out)
	}

	rec = do(t, h, http.MethodGet, "/api/jobs/"+jobID, "")
	var got struct {
		Job         domain.Job          `json:"job"`
		Assignments []domain.Assignment `json:"assignments"`
	}
	decodeBody(t, rec, &got)
	if !got.Job.CleanerConfirmed || got.Job.CleanerID == nil || *got.Job.CleanerID != offer.Assignment.CleanerID {
		t.Errorf("job not confirmed: %+v", got.Job)
	}
	if len(got.Assignments) != 1 {
		t.Errorf("expected one assignment, got %d", len(got.Assignments))
	}
}

func TestLeadFollowUpAndTasks(t *testing.T) {
	h := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/api/leads/L1/follow-up", `{"name":"Dana"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing phone: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/leads/L1/follow-up", `{"phone":"650 253 0000","delays_minutes":[0,-1]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative delay: expected 400, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/leads/L1/follow-up", `{"phone":"650 253 0000","name":"Dana"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("follow-up: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.TaskIDs) != 5 {
		t.Errorf("expected 5 task ids, got %v", resp.TaskIDs)
	}

	var stats map[string]int
	decodeBody(t, do(t, h, http.MethodGet, "/api/tasks/stats", ""), &stats)
	if stats[string(domain.StatusPending)] != 5 {
		t.Errorf("expected 5 pending, got %v", stats)
	}

	var tasks []domain.Task
	decodeBody(t, do(t, h, http.MethodGet, "/api/tasks?limit=2", ""), &tasks)
	if len(tasks) != 2 {
		t.Errorf("expected limit to apply, got %d", len(tasks))
	}
	if rec := do(t, h, http.MethodGet, "/api/tasks?limit=-3", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/leads/L2/follow-up", `{"phone":"650 253 0000","delays_minutes":[]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("empty delays: %d %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &resp)
	if len(resp.TaskIDs) != 5 {
		t.Errorf("empty delays should fall back to the default stages, got %v", resp.TaskIDs)
	}

	var cancelled map[string]int
	decodeBody(t, do(t, h, http.MethodPost, "/api/leads/L1/booked", ""), &cancelled)
	if cancelled["cancelled"] != 5 {
		t.Errorf("expected 5 cancelled, got %v", cancelled)
	}
}

func TestRainDayEndpoint(t *testing.T) {
	h := newTestServer(t)
	createJob(t, h, "2024-06-07")
	createJob(t, h, "2024-06-07")

	if rec := do(t, h, http.MethodPost, "/api/rain-day", `{"date":"2024-06-07","mode":"single","target_date":"2024-06-07"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("same target: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/rain-day", `{"date":"2024-06-07","mode":"sideways"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: expected 400, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/rain-day", `{"date":"2024-06-07","mode":"spread","spread_days":14}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rain day: %d %s", rec.Code, rec.Body.String())
	}
	var res rainday.Result
	decodeBody(t, rec, &res)
	if res.JobsAffected != 2 || res.JobsRescheduled != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	var alerts []domain.Alert
	decodeBody(t, do(t, h, http.MethodGet, "/api/alerts", ""), &alerts)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if rec := do(t, h, http.MethodPost, "/api/alerts/"+alerts[0].ID+"/ack", ""); rec.Code != http.StatusNoContent {
		t.Errorf("ack: expected 204, got %d", rec.Code)
	}
	decodeBody(t, do(t, h, http.MethodGet, "/api/alerts", ""), &alerts)
	if len(alerts) != 0 {
		t.Errorf("acknowledged alert still listed: %+v", alerts)
	}
}

func TestCompleteJobSchedulesFollowUp(t *testing.T) {
	h := newTestServer(t)
	jobID := createJob(t, h, "2024-06-10")

	if rec := do(t, h, http.MethodPost, "/api/jobs/"+jobID+"/reminder", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("reminder: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodPost, "/api/jobs/"+jobID+"/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	var stats map[string]int
	decodeBody(t, do(t, h, http.MethodGet, "/api/tasks/stats", ""), &stats)
	if stats[string(domain.StatusPending)] != 1 || stats[string(domain.StatusCancelled)] != 1 {
		t.Errorf("expected reminder cancelled and follow-up pending, got %v", stats)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/"+jobID+"/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancelling a completed job: expected 404, got %d", rec.Code)
	}
}

func TestPoll(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/poll", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("poll: %d %s", rec.Code, rec.Body.String())
	}
	var st worker.CycleStats
	decodeBody(t, rec, &st)
	if st.Due != 0 {
		t.Errorf("expected an empty cycle, got %+v", st)
	}
}
