package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crewflow/internal/api"
	"crewflow/internal/cascade"
	"crewflow/internal/config"
	"crewflow/internal/followup"
	"crewflow/internal/lock"
	"crewflow/internal/notify"
	"crewflow/internal/queue"
	"crewflow/internal/rainday"
	"crewflow/internal/reschedule"
	"crewflow/internal/scheduler"
	"crewflow/internal/store"
	"crewflow/internal/weather"
	"crewflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		once    = flag.Bool("once", false, "run one poll cycle and exit")
		debug   = flag.Bool("debug", false, "expose pprof under /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if !cfg.Log.Console {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := store.Open(cfg.DB.Path, cfg.DB.BusyTimeout.D())
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var locker lock.Locker = lock.Nop{}
	if cfg.Redis.Addr != "" {
		var rdb *redis.Client
		locker, rdb, err = lock.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis locks")
	}

	out := outbound(cfg)
	overrides := make(map[notify.Kind]string, len(cfg.Notify.Templates))
	for k, v := range cfg.Notify.Templates {
		overrides[notify.Kind(k)] = v
	}
	composer, err := notify.NewTemplateComposer(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("parse message templates")
	}

	tasks := queue.NewSQLiteRepo(db)
	jobs := store.NewSQLiteRepo(db)
	loc := cfg.Location()

	seq := followup.NewSequencer(tasks, followup.Config{
		Delays:            cfg.Delays(),
		Location:          loc,
		ReminderHour:      cfg.FollowUp.ReminderHour,
		Region:            cfg.FollowUp.DefaultRegion,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout.D(),
	}, log.Logger)
	resched := reschedule.NewService(jobs, out, composer, cfg.Notify.OwnerPhone, seq, log.Logger)
	casc := cascade.New(jobs, cascade.ActiveResolver{Cleaners: jobs}, resched, log.Logger)
	var forecast rainday.Forecaster
	if cfg.Weather.BaseURL != "" {
		forecast = weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.RainThreshold)
	}
	rain := rainday.New(jobs, resched, forecast, locker, log.Logger)
	exec := followup.NewExecutor(out, composer, jobs, resched, log.Logger)

	pool, err := worker.NewPool(tasks, exec.Handlers(), worker.Config{
		PollEvery:    cfg.Worker.PollInterval.D(),
		BatchSize:    cfg.Worker.BatchSize,
		RetryBackoff: cfg.Worker.RetryBackoff.D(),
		MaxBackoff:   cfg.Worker.MaxBackoff.D(),
	}, locker, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("build worker")
	}

	if *once {
		st, err := pool.RunOnce(ctx, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("poll cycle")
		}
		log.Info().Int("claimed", st.Claimed).Int("completed", st.Completed).Int("failed", st.Failed).Msg("single poll done")
		return
	}

	go pool.Run(ctx)

	crons := scheduler.NewService(loc, log.Logger)
	if forecast != nil && cfg.Weather.Zip != "" && cfg.Weather.CheckCron != "" {
		err := crons.Add("rain-check", cfg.Weather.CheckCron, func(ctx context.Context, now time.Time) error {
			tomorrow := now.In(loc).AddDate(0, 0, 1)
			res, rained, err := rain.CheckAndRedistribute(ctx, cfg.Weather.Zip, tomorrow, cfg.Weather.SpreadDays)
			if err != nil {
				return err
			}
			if rained {
				log.Info().Int("rescheduled", res.JobsRescheduled).Int("failed", len(res.JobsFailed)).Msg("rain check moved jobs")
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("register rain check")
		}
	}
	if err := crons.Add("queue-report", "0 * * * *", func(ctx context.Context, now time.Time) error {
		counts, err := tasks.CountByStatus(ctx)
		if err != nil {
			return err
		}
		ev := log.Info()
		for status, n := range counts {
			ev = ev.Int(string(status), n)
		}
		ev.Msg("task queue")
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("register queue report")
	}
	go crons.Start(ctx)

	// HTTP server
	handler := api.NewServerWithDebug(api.Deps{
		Tasks:     tasks,
		Store:     jobs,
		Sequencer: seq,
		Cascade:   casc,
		Rain:      rain,
		Worker:    pool,
		Location:  loc,
		Region:    cfg.FollowUp.DefaultRegion,
		Log:       log.Logger,
	}, *debug)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// outbound picks the webhook relay when one is configured and the log sink
// otherwise. Text channels are rate limited; calls are not.
func outbound(cfg config.Config) notify.Outbound {
	if cfg.Notify.WebhookURL == "" {
		log.Warn().Msg("no webhook configured, outbound messages are only logged")
		return notify.Outbound{
			SMS:    notify.LogSender{Channel: notify.ChannelSMS, Log: log.Logger},
			Chat:   notify.LogSender{Channel: notify.ChannelChat, Log: log.Logger},
			Caller: notify.LogSender{Channel: notify.ChannelSMS, Log: log.Logger},
		}
	}
	hook := func(ch notify.Channel) *notify.Webhook {
		w := notify.NewWebhook(cfg.Notify.WebhookURL, ch, 10*time.Second)
		w.Headers = cfg.Notify.Headers
		return w
	}
	return notify.Outbound{
		SMS:    notify.NewLimited(hook(notify.ChannelSMS), cfg.Notify.RatePerSec),
		Chat:   notify.NewLimited(hook(notify.ChannelChat), cfg.Notify.RatePerSec),
		Caller: hook(notify.ChannelSMS),
	}
}
