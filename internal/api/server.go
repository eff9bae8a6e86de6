package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crewflow/internal/cascade"
	"crewflow/internal/domain"
	"crewflow/internal/followup"
	"crewflow/internal/notify"
	"crewflow/internal/queue"
	"crewflow/internal/rainday"
	"crewflow/internal/store"
	"crewflow/internal/worker"
)

// Deps are the components the HTTP surface drives. Every field is required.
type Deps struct {
	Tasks     queue.Repository
	Store     store.Repository
	Sequencer *followup.Sequencer
	Cascade   *cascade.Cascade
	Rain      *rainday.Redistributor
	Worker    *worker.Pool
	Location  *time.Location
	Region    string
	Log       zerolog.Logger
}

type Server struct {
	r        *chi.Mux
	d        Deps
	validate *validator.Validate
	log      zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	if d.Location == nil {
		d.Location = time.Local
	}
	r := chi.NewRouter()
	s := &Server{r: r, d: d, validate: validator.New(), log: d.Log.With().Str("component", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/leads/{id}/follow-up", s.leadFollowUp)
		r.Post("/leads/{id}/booked", s.leadBooked)

		r.Post("/cleaners", s.createCleaner)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/broadcast", s.jobBroadcast)
		r.Post("/jobs/{id}/reminder", s.jobReminder)
		r.Post("/jobs/{id}/offer", s.jobOffer)
		r.Post("/jobs/{id}/complete", s.jobComplete)
		r.Post("/jobs/{id}/cancel", s.jobCancel)

		r.Post("/assignments/{id}/accept", s.assignmentAccept)
		r.Post("/assignments/{id}/decline", s.assignmentDecline)

		r.Post("/rain-day", s.rainDay)
		r.Post("/poll", s.poll)

		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/stats", s.taskStats)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/by-key/{key}", s.cancelTask)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}/ack", s.ackAlert)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type followUpReq struct {
	Phone         string `json:"phone" validate:"required"`
	Name          string `json:"name"`
	DelaysMinutes []int  `json:"delays_minutes" validate:"omitempty,max=10,dive,min=0"`
}

func (s *Server) leadFollowUp(w http.ResponseWriter, r *http.Request) {
	var req followUpReq
	if !s.decode(w, r, &req) {
		return
	}
	lf := followup.LeadFollowUp{LeadID: chi.URLParam(r, "id"), Phone: req.Phone, Name: req.Name}
	if len(req.DelaysMinutes) > 0 {
		lf.Delays = make([]time.Duration, len(req.DelaysMinutes))
		for i, m := range req.DelaysMinutes {
			lf.Delays[i] = time.Duration(m) * time.Minute
		}
	}
	ids, err := s.d.Sequencer.ScheduleLeadFollowUp(r.Context(), lf)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

func (s *Server) leadBooked(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Sequencer.CancelLeadFollowUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type createCleanerReq struct {
	Name   string `json:"name" validate:"required"`
	Phone  string `json:"phone" validate:"required"`
	ChatID string `json:"chat_id"`
	Active *bool  `json:"active"`
}

func (s *Server) createCleaner(w http.ResponseWriter, r *http.Request) {
	var req createCleanerReq
	if !s.decode(w, r, &req) {
		return
	}
	phone, err := notify.NormalizePhone(req.Phone, s.d.Region)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	active := req.Active == nil || *req.Active
	id, err := s.d.Store.CreateCleaner(r.Context(), domain.Cleaner{Name: req.Name, Phone: phone, ChatID: req.ChatID, Active: active})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type createJobReq struct {
	CustomerName  string `json:"customer_name" validate:"required"`
	CustomerPhone string `json:"customer_phone" validate:"required"`
	Address       string `json:"address"`
	Zip           string `json:"zip"`
	Price         string `json:"price" validate:"omitempty,numeric"`
	ScheduledDate string `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	ScheduledTime string `json:"scheduled_time" validate:"omitempty,datetime=15:04"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if !s.decode(w, r, &req) {
		return
	}
	phone, err := notify.NormalizePhone(req.CustomerPhone, s.d.Region)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	price := decimal.Zero
	if req.Price != "" {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			http.Error(w, "price: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	id, err := s.d.Store.CreateJob(r.Context(), domain.Job{
		CustomerName:  req.CustomerName,
		CustomerPhone: phone,
		Address:       req.Address,
		Zip:           req.Zip,
		Price:         price,
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.d.Store.GetJob(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	assignments, err := s.d.Store.ListAssignments(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if assignments == nil {
		assignments = []domain.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "assignments": assignments})
}

type broadcastReq struct {
	CandidateLeadIDs []string `json:"candidate_lead_ids" validate:"required,min=1,dive,required"`
}

func (s *Server) jobBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastReq
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.d.Sequencer.ScheduleJobBroadcast(r.Context(), chi.URLParam(r, "id"), req.CandidateLeadIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

// jobReminder plans the customer's day-before text and, when a cleaner is
// assigned, the cleaner's same-day reminder.
func (s *Server) jobReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.d.Store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	startsAt, err := job.StartsAt(s.d.Location)
	if err != nil {
		http.Error(w, "job start: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	ids := map[string]string{}
	if ids["day_before"], err = s.d.Sequencer.ScheduleDayBeforeReminder(ctx, job.ID, job.CustomerPhone, job.CustomerName, startsAt); err != nil {
		s.fail(w, err)
		return
	}
	if job.CleanerID != nil {
		if ids["cleaner"], err = s.d.Sequencer.ScheduleJobReminder(ctx, job.ID, *job.CleanerID, startsAt); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

func (s *Server) jobOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.d.Cascade.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) jobComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.d.Store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.d.Store.SetJobStatus(ctx, job.ID, domain.JobCompleted); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.d.Sequencer.CancelJobReminders(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("cancel reminders")
	}
	id, err := s.d.Sequencer.SchedulePostServiceFollowUp(ctx, job.ID, job.CustomerPhone, job.CustomerName, time.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"post_service_task_id": id})
}

func (s *Server) jobCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.d.Store.SetJobStatus(ctx, id, domain.JobCancelled); err != nil {
		s.fail(w, err)
		return
	}
	n, err := s.d.Sequencer.CancelJobReminders(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reminders_cancelled": n})
}

func (s *Server) assignmentAccept(w http.ResponseWriter, r *http.Request) {
	out, err := s.d.Cascade.OnAccept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) assignmentDecline(w http.ResponseWriter, r *http.Request) {
	out, err := s.d.Cascade.OnDecline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rainDayReq struct {
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Mode       string `json:"mode" validate:"omitempty,oneof=single spread"`
	TargetDate string `json:"target_date" validate:"omitempty,datetime=2006-01-02,nefield=Date"`
	SpreadDays int    `json:"spread_days" validate:"omitempty,min=1,max=365"`
	Reason     string `json:"reason" validate:"max=200"`
}

func (s *Server) rainDay(w http.ResponseWriter, r *http.Request) {
	var req rainDayReq
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.d.Rain.Redistribute(r.Context(), rainday.Request{
		Date:       req.Date,
		Mode:       rainday.Mode(req.Mode),
		TargetDate: req.TargetDate,
		SpreadDays: req.SpreadDays,
		Reason:     req.Reason,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// poll runs one worker cycle. External cron triggers hit this instead of
// keeping a long-lived worker.
func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Worker.RunOnce(r.Context(), time.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	tasks, err := s.d.Tasks.ListRecent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.d.Tasks.CountByStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Tasks.Cancel(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.d.Store.ListAlerts(r.Context(), r.URL.Query().Get("all") == "")
	if err != nil {
		s.fail(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request) {
	ok, err := s.d.Store.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads an optional JSON body into dst and validates it. It writes the
// 400 itself and returns false on bad input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps domain errors to status codes; anything unrecognised is a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound), errors.Is(err, cascade.ErrNoSuchAssignment):
		code = http.StatusNotFound
	case errors.Is(err, cascade.ErrOfferOutstanding), errors.Is(err, cascade.ErrJobClosed), errors.Is(err, rainday.ErrInProgress):
		code = http.StatusConflict
	case errors.Is(err, notify.ErrNoRecipient), errors.Is(err, notify.ErrInvalidPhone), errors.Is(err, followup.ErrInvalidRequest):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
