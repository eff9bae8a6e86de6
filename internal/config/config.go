// Package config loads crewflow settings from an optional YAML file, a .env
// file and CREWFLOW_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"crewflow/internal/followup"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	DB       DBConfig       `yaml:"db"`
	Worker   WorkerConfig   `yaml:"worker"`
	FollowUp FollowUpConfig `yaml:"followup"`
	Notify   NotifyConfig   `yaml:"notify"`
	Weather  WeatherConfig  `yaml:"weather"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DBConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type WorkerConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	BatchSize         int      `yaml:"batch_size"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	MaxAttempts       int      `yaml:"max_attempts"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
}

type FollowUpConfig struct {
	DelaysMinutes []int  `yaml:"delays_minutes"`
	Timezone      string `yaml:"timezone"`
	ReminderHour  int    `yaml:"reminder_hour"`
	DefaultRegion string `yaml:"default_region"`
}

type NotifyConfig struct {
	WebhookURL string            `yaml:"webhook_url"`
	Headers    map[string]string `yaml:"headers"`
	OwnerPhone string            `yaml:"owner_phone"`
	RatePerSec int               `yaml:"rate_per_sec"`
	Templates  map[string]string `yaml:"templates"`
}

type WeatherConfig struct {
	BaseURL       string `yaml:"base_url"`
	Zip           string `yaml:"zip"`
	CheckCron     string `yaml:"check_cron"`
	RainThreshold int    `yaml:"rain_threshold"`
	SpreadDays    int    `yaml:"spread_days"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Duration accepts Go duration strings ("30s", "5m") in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		DB:   DBConfig{Path: "crewflow.db", BusyTimeout: Duration(5 * time.Second)},
		Worker: WorkerConfig{
			PollInterval:      Duration(30 * time.Second),
			BatchSize:         50,
			MaxBackoff:        Duration(30 * time.Minute),
			MaxAttempts:       3,
			VisibilityTimeout: Duration(5 * time.Minute),
		},
		FollowUp: FollowUpConfig{
			DelaysMinutes: []int{0, 10, 15, 20, 30},
			Timezone:      "America/Chicago",
			ReminderHour:  16,
			DefaultRegion: "US",
		},
		Notify:  NotifyConfig{RatePerSec: 5},
		Weather: WeatherConfig{CheckCron: "0 17 * * *", RainThreshold: 60, SpreadDays: 14},
		Redis:   RedisConfig{Prefix: "crewflow:"},
		Log:     LogConfig{Level: "info", Console: true},
	}
}

// Load reads path (skipped when empty), then .env, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	// a missing .env is fine
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CREWFLOW_HTTP_ADDR", &c.HTTP.Addr)
	str("CREWFLOW_DB_PATH", &c.DB.Path)
	str("CREWFLOW_TIMEZONE", &c.FollowUp.Timezone)
	str("CREWFLOW_REGION", &c.FollowUp.DefaultRegion)
	str("CREWFLOW_WEBHOOK_URL", &c.Notify.WebhookURL)
	str("CREWFLOW_OWNER_PHONE", &c.Notify.OwnerPhone)
	str("CREWFLOW_WEATHER_URL", &c.Weather.BaseURL)
	str("CREWFLOW_WEATHER_ZIP", &c.Weather.Zip)
	str("CREWFLOW_WEATHER_CRON", &c.Weather.CheckCron)
	str("CREWFLOW_REDIS_ADDR", &c.Redis.Addr)
	str("CREWFLOW_LOG_LEVEL", &c.Log.Level)

	if v := strings.TrimSpace(getenv("CREWFLOW_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CREWFLOW_POLL_INTERVAL: %w", err)
		}
		c.Worker.PollInterval = Duration(d)
	}
	if v := strings.TrimSpace(getenv("CREWFLOW_RETRY_BACKOFF")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CREWFLOW_RETRY_BACKOFF: %w", err)
		}
		c.Worker.RetryBackoff = Duration(d)
	}
	if v := strings.TrimSpace(getenv("CREWFLOW_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CREWFLOW_MAX_ATTEMPTS: %w", err)
		}
		c.Worker.MaxAttempts = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DB.Path) == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Worker.PollInterval.D() <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("worker.max_attempts must be positive"))
	}
	if c.Worker.RetryBackoff.D() < 0 {
		errs = append(errs, errors.New("worker.retry_backoff must not be negative"))
	}
	if len(c.FollowUp.DelaysMinutes) == 0 {
		errs = append(errs, errors.New("followup.delays_minutes must not be empty"))
	}
	if len(c.FollowUp.DelaysMinutes) > followup.MaxLeadStages {
		errs = append(errs, fmt.Errorf("followup.delays_minutes: at most %d stages", followup.MaxLeadStages))
	}
	for _, m := range c.FollowUp.DelaysMinutes {
		if m < 0 {
			errs = append(errs, fmt.Errorf("followup.delays_minutes: negative delay %d", m))
		}
	}
	if _, err := time.LoadLocation(c.FollowUp.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("followup.timezone: %w", err))
	}
	if c.FollowUp.ReminderHour < 1 || c.FollowUp.ReminderHour > 23 {
		errs = append(errs, errors.New("followup.reminder_hour must be 1-23"))
	}
	if c.Weather.CheckCron != "" {
		if _, err := cron.ParseStandard(c.Weather.CheckCron); err != nil {
			errs = append(errs, fmt.Errorf("weather.check_cron: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.FollowUp.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) Delays() []time.Duration {
	out := make([]time.Duration, len(c.FollowUp.DelaysMinutes))
	for i, m := range c.FollowUp.DelaysMinutes {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}
