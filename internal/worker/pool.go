package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"crewflow/internal/domain"
	"crewflow/internal/lock"
	"crewflow/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Handlers has one slot per task kind. NewPool rejects a set with an empty
// slot, so adding a kind to domain.TaskTypes without wiring it fails at startup.
type Handlers struct {
	LeadFollowUp        Handler
	JobBroadcast        Handler
	DayBeforeReminder   Handler
	JobReminder         Handler
	PostServiceFollowUp Handler
}

func (h Handlers) route(t domain.TaskType) Handler {
	switch t {
	case domain.TaskLeadFollowUp:
		return h.LeadFollowUp
	case domain.TaskJobBroadcast:
		return h.JobBroadcast
	case domain.TaskDayBeforeReminder:
		return h.DayBeforeReminder
	case domain.TaskJobReminder:
		return h.JobReminder
	case domain.TaskPostServiceFollowUp:
		return h.PostServiceFollowUp
	}
	return nil
}

func (h Handlers) validate() error {
	for _, t := range domain.TaskTypes() {
		if h.route(t) == nil {
			return fmt.Errorf("no handler for task type %q", t)
		}
	}
	return nil
}

type Config struct {
	PollEvery    time.Duration
	BatchSize    int
	RetryBackoff time.Duration // 0 retries on the next cycle
	MaxBackoff   time.Duration
	LockTTL      time.Duration
}

type Pool struct {
	repo     queue.Repository
	handlers Handlers
	cfg      Config
	locker   lock.Locker
	log      zerolog.Logger
}

func NewPool(repo queue.Repository, handlers Handlers, cfg Config, locker lock.Locker, log zerolog.Logger) (*Pool, error) {
	if err := handlers.validate(); err != nil {
		return nil, err
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Pool{
		repo:     repo,
		handlers: handlers,
		cfg:      cfg,
		locker:   locker,
		log:      log.With().Str("component", "worker").Logger(),
	}, nil
}

// Run polls until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.PollEvery)
	defer t.Stop()
	p.log.Info().Dur("interval", p.cfg.PollEvery).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := p.RunOnce(ctx, now); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}
}

type CycleStats struct {
	Recovered int  `json:"recovered"`
	Due       int  `json:"due"`
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

// RunOnce drains one batch of due tasks, oldest due first, one at a time. It
// is safe to call from a cron-style trigger that exits afterwards.
func (p *Pool) RunOnce(ctx context.Context, now time.Time) (CycleStats, error) {
	var st CycleStats
	release, err := p.locker.Obtain(ctx, "poll", p.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		p.log.Debug().Msg("another poller holds the lock, skipping cycle")
		st.Skipped = true
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("obtain poll lock: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	if st.Recovered, err = p.repo.RecoverStale(ctx, now); err != nil {
		return st, fmt.Errorf("recover stale tasks: %w", err)
	}
	if st.Recovered > 0 {
		p.log.Warn().Int("recovered", st.Recovered).Msg("released tasks with expired leases")
	}

	tasks, err := p.repo.DueTasks(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return st, fmt.Errorf("load due tasks: %w", err)
	}
	st.Due = len(tasks)
	for _, due := range tasks {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		task, ok, err := p.repo.Claim(ctx, due.ID, time.Now())
		if err != nil {
			p.log.Error().Err(err).Str("task_id", due.ID).Msg("claim failed")
			continue
		}
		if !ok {
			continue // another worker took it
		}
		st.Claimed++
		switch p.execute(ctx, task) {
		case domain.StatusCompleted:
			st.Completed++
		case domain.StatusPending:
			st.Retried++
		case domain.StatusFailed:
			st.Failed++
		}
	}
	if st.Due > 0 {
		p.log.Info().
			Int("due", st.Due).
			Int("claimed", st.Claimed).
			Int("completed", st.Completed).
			Int("retried", st.Retried).
			Int("failed", st.Failed).
			Msg("poll cycle done")
	}
	return st, nil
}

func (p *Pool) execute(ctx context.Context, task domain.Task) domain.TaskStatus {
	log := p.log.With().Str("task_id", task.ID).Str("type", string(task.Type)).Int("attempt", task.Attempts).Logger()
	if task.DedupKey != nil {
		log = log.With().Str("dedup_key", *task.DedupKey).Logger()
	}

	var runErr error
	h := p.handlers.route(task.Type)
	if h == nil {
		runErr = fmt.Errorf("no handler for task type %q", task.Type)
	} else {
		c, cancel := context.WithTimeout(ctx, time.Duration(task.VisibilityTimeout)*time.Second)
		runErr = safeHandle(c, h, task.Payload)
		cancel()
	}

	if runErr == nil {
		ok, err := p.repo.Complete(ctx, task.ID, time.Now())
		if err != nil {
			log.Error().Err(err).Msg("mark completed")
			return ""
		}
		if !ok {
			log.Warn().Msg("task was no longer processing when completed")
			return ""
		}
		log.Debug().Msg("task completed")
		return domain.StatusCompleted
	}

	status, err := p.repo.Fail(ctx, task.ID, runErr.Error(), p.backoff(task.Attempts), time.Now())
	if err != nil {
		log.Error().Err(err).AnErr("task_err", runErr).Msg("mark failed")
		return ""
	}
	if status == domain.StatusFailed {
		log.Error().Err(runErr).Int("max_attempts", task.MaxAttempts).Msg("task failed permanently")
	} else {
		log.Warn().Err(runErr).Msg("task failed, will retry")
	}
	return status
}

func safeHandle(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, payload)
}

// backoff doubles RetryBackoff per attempt, capped at MaxBackoff.
func (p *Pool) backoff(attempts int) time.Duration {
	base := p.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	if attempts <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}
