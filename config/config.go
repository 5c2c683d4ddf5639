// Package config resolves runtime settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port      int
	LogLevel  string
	LogFormat string
	// FrontendURL prefixes links in notification emails and is the allowed CORS origin.
	FrontendURL string

	Store     StoreConfig
	Mail      MailConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig

	// AdminAPIKey enables the operator sweep routes when set.
	AdminAPIKey    string
	RedisAddr      string
	IPFSGatewayURL string
	EventQueueSize int
	EventWorkers   int
}

type StoreConfig struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

type MailConfig struct {
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPass      string
	ResendAPIKey  string
	FromName      string
	FromEmail     string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// UsesResend reports whether mail goes through the Resend relay.
func (m MailConfig) UsesResend() bool { return m.ResendAPIKey != "" }

// SMTPConfigured reports whether direct SMTP credentials are complete.
func (m MailConfig) SMTPConfigured() bool {
	return m.SMTPHost != "" && m.SMTPUser != "" && m.SMTPPass != ""
}

type SchedulerConfig struct {
	Enabled          bool
	ReminderInterval time.Duration
	ExpiryInterval   time.Duration
	OverdueInterval  time.Duration
	// ReminderLead is how long before the deadline the proof reminder is due.
	ReminderLead time.Duration
	Workers      int
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// envBindings maps config keys onto the environment variable names the deployment already uses.
var envBindings = map[string]string{
	"port":                        "PORT",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
	"frontend_url":                "FRONTEND_URL",
	"store.driver":                "STORE_DRIVER",
	"store.database_url":          "DATABASE_URL",
	"store.sqlite_path":           "SQLITE_PATH",
	"mail.smtp_host":              "SMTP_HOST",
	"mail.smtp_port":              "SMTP_PORT",
	"mail.smtp_user":              "SMTP_USER",
	"mail.smtp_pass":              "SMTP_PASS",
	"mail.resend_api_key":         "RESEND_API_KEY",
	"mail.from_name":              "FROM_NAME",
	"mail.from_email":             "FROM_EMAIL",
	"mail.timeout_sec":            "MAIL_TIMEOUT_SEC",
	"mail.rate_per_sec":           "MAIL_RATE_PER_SEC",
	"mail.burst":                  "MAIL_BURST",
	"scheduler.enabled":           "SCHEDULER_ENABLED",
	"scheduler.reminder_interval": "REMINDER_SWEEP_INTERVAL",
	"scheduler.expiry_interval":   "EXPIRY_SWEEP_INTERVAL",
	"scheduler.overdue_interval":  "OVERDUE_SWEEP_INTERVAL",
	"scheduler.reminder_hours":    "PROOF_REMINDER_HOURS",
	"scheduler.workers":           "SWEEP_WORKERS",
	"rate_limit.rps":              "RATE_LIMIT_RPS",
	"rate_limit.burst":            "RATE_LIMIT_BURST",
	"admin_api_key":               "ADMIN_API_KEY",
	"redis.addr":                  "REDIS_ADDR",
	"ipfs.gateway_url":            "IPFS_GATEWAY_URL",
	"events.queue_size":           "EVENT_QUEUE_SIZE",
	"events.workers":              "EVENT_WORKERS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("frontend_url", "http://localhost:5173")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "procastinot.db")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.from_name", "ProcastiNot")
	v.SetDefault("mail.timeout_sec", 10)
	v.SetDefault("mail.rate_per_sec", 5)
	v.SetDefault("mail.burst", 5)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reminder_interval", time.Hour)
	v.SetDefault("scheduler.expiry_interval", 24*time.Hour)
	v.SetDefault("scheduler.overdue_interval", 30*time.Minute)
	v.SetDefault("scheduler.reminder_hours", 24)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("ipfs.gateway_url", "https://gateway.pinata.cloud")
	v.SetDefault("events.queue_size", 256)
	v.SetDefault("events.workers", 2)
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:        v.GetInt("port"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		FrontendURL: strings.TrimRight(v.GetString("frontend_url"), "/"),
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			DatabaseURL: v.GetString("store.database_url"),
			SQLitePath:  v.GetString("store.sqlite_path"),
		},
		Mail: MailConfig{
			SMTPHost:      v.GetString("mail.smtp_host"),
			SMTPPort:      v.GetInt("mail.smtp_port"),
			SMTPUser:      v.GetString("mail.smtp_user"),
			SMTPPass:      v.GetString("mail.smtp_pass"),
			ResendAPIKey:  v.GetString("mail.resend_api_key"),
			FromName:      v.GetString("mail.from_name"),
			FromEmail:     v.GetString("mail.from_email"),
			Timeout:       time.Duration(v.GetInt("mail.timeout_sec")) * time.Second,
			RatePerSecond: v.GetFloat64("mail.rate_per_sec"),
			Burst:         v.GetInt("mail.burst"),
		},
		Scheduler: SchedulerConfig{
			Enabled:          v.GetBool("scheduler.enabled"),
			ReminderInterval: v.GetDuration("scheduler.reminder_interval"),
			ExpiryInterval:   v.GetDuration("scheduler.expiry_interval"),
			OverdueInterval:  v.GetDuration("scheduler.overdue_interval"),
			ReminderLead:     time.Duration(v.GetInt("scheduler.reminder_hours")) * time.Hour,
			Workers:          v.GetInt("scheduler.workers"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("rate_limit.rps"),
			Burst: v.GetInt("rate_limit.burst"),
		},
		AdminAPIKey:    v.GetString("admin_api_key"),
		RedisAddr:      v.GetString("redis.addr"),
		IPFSGatewayURL: strings.TrimRight(v.GetString("ipfs.gateway_url"), "/"),
		EventQueueSize: v.GetInt("events.queue_size"),
		EventWorkers:   v.GetInt("events.workers"),
	}
	if cfg.Mail.FromEmail == "" {
		cfg.Mail.FromEmail = cfg.Mail.SMTPUser
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Mail.Timeout <= 0 {
		errs = append(errs, errors.New("MAIL_TIMEOUT_SEC must be positive"))
	}
	if c.Mail.RatePerSecond < 0 {
		errs = append(errs, errors.New("MAIL_RATE_PER_SEC must not be negative"))
	}
	if c.Scheduler.ReminderInterval <= 0 || c.Scheduler.ExpiryInterval <= 0 || c.Scheduler.OverdueInterval <= 0 {
		errs = append(errs, errors.New("sweep intervals must be positive"))
	}
	if c.Scheduler.ReminderLead <= 0 {
		errs = append(errs, errors.New("PROOF_REMINDER_HOURS must be positive"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	return errors.Join(errs...)
}
