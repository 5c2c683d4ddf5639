// Package container builds the application's dependency graph from a resolved Config.
package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"procastinot-backend/clock"
	"procastinot-backend/config"
	"procastinot-backend/handlers"
	"procastinot-backend/ipfs"
	"procastinot-backend/metrics"
	"procastinot-backend/middleware"
	"procastinot-backend/notify"
	"procastinot-backend/scheduler"
	"procastinot-backend/services"
	store "procastinot-backend/storage/challenge"
)

// requestTimeout bounds every HTTP request, including notify-acp's inline send.
const requestTimeout = 30 * time.Second

// Container holds all application dependencies
type Container struct {
	Config   *config.Config
	Log      *logrus.Logger
	Clock    clock.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Services
	Store         store.Store
	Dispatcher    *notify.Dispatcher
	Events        *services.Queue
	Lifecycle     *services.Lifecycle
	Scheduler     *scheduler.Scheduler
	HealthService *services.HealthService
	IPFS          *ipfs.Client

	// Handlers
	HealthHandler       *handlers.HealthHandler
	ChallengeHandler    *handlers.ChallengeHandler
	NotificationHandler *handlers.NotificationHandler
	SweepHandler        *handlers.SweepHandler

	redis   *redis.Client
	limiter *middleware.RateLimiter
}

// NewLogger returns a logrus logger configured from level and format.
func NewLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	if strings.EqualFold(format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

// NewContainer creates a new dependency container. ctx bounds start-up I/O and the lifetime of
// background janitors.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	log, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	c := &Container{
		Config:   cfg,
		Log:      log,
		Clock:    clock.Real(),
		Registry: prometheus.NewRegistry(),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)

	if c.Store, err = OpenStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	log.WithField("driver", cfg.Store.Driver).Info("store ready")

	transport, from := newTransport(cfg.Mail, log)
	c.Dispatcher, err = notify.NewDispatcher(notify.Config{
		FromName:      cfg.Mail.FromName,
		FromEmail:     from,
		FrontendURL:   cfg.FrontendURL,
		Timeout:       cfg.Mail.Timeout,
		RatePerSecond: cfg.Mail.RatePerSecond,
		Burst:         cfg.Mail.Burst,
	}, transport, c.Store, c.Clock, notify.WithLogger(log), notify.WithMetrics(c.Metrics))
	if err != nil {
		c.Store.Close()
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}

	c.Events = services.NewQueue(c.Dispatcher, cfg.EventQueueSize, cfg.EventWorkers, log, c.Metrics)
	c.Lifecycle = services.NewLifecycle(c.Store, c.Clock, c.Events,
		services.WithLogger(log),
		services.WithMetrics(c.Metrics),
		services.WithReminderLead(cfg.Scheduler.ReminderLead),
	)

	var locker scheduler.RecordLocker = scheduler.NewLocalLocker()
	if cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		locker = scheduler.NewRedisLocker(c.redis, "")
		log.WithField("addr", cfg.RedisAddr).Info("sweep record locks held in redis")
	}

	c.Scheduler, err = scheduler.New(scheduler.Config{
		ReminderInterval: cfg.Scheduler.ReminderInterval,
		ExpiryInterval:   cfg.Scheduler.ExpiryInterval,
		OverdueInterval:  cfg.Scheduler.OverdueInterval,
		ReminderWindow:   cfg.Scheduler.ReminderLead,
		Workers:          cfg.Scheduler.Workers,
	}, scheduler.Deps{
		Lifecycle: c.Lifecycle,
		Notifier:  c.Dispatcher,
		Clock:     c.Clock,
		Locker:    locker,
		Log:       log,
		Metrics:   c.Metrics,
	})
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	var schedulerRunning func() bool
	if cfg.Scheduler.Enabled {
		schedulerRunning = c.Scheduler.IsRunning
	}
	c.HealthService = services.NewHealthService(c.Store, c.Clock, schedulerRunning)
	c.IPFS = ipfs.NewClient(cfg.IPFSGatewayURL, 10*time.Second)

	c.HealthHandler = handlers.NewHealthHandler(c.HealthService, log)
	c.ChallengeHandler = handlers.NewChallengeHandler(c.Lifecycle, log)
	c.NotificationHandler = handlers.NewNotificationHandler(c.Lifecycle, c.IPFS, c.Dispatcher, log)
	c.SweepHandler = handlers.NewSweepHandler(c.Scheduler, c.Clock, log)
	if cfg.AdminAPIKey == "" {
		log.Info("ADMIN_API_KEY not set, manual sweep routes disabled")
	}

	if cfg.RateLimit.RPS > 0 {
		c.limiter = middleware.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return c, nil
}

// Handler returns the router wrapped in the middleware chain.
func (c *Container) Handler() http.Handler {
	routes := handlers.Routes{
		Health:        c.HealthHandler,
		Challenges:    c.ChallengeHandler,
		Notifications: c.NotificationHandler,
		Metrics:       c.Registry,
	}
	if c.Config.AdminAPIKey != "" {
		routes.Sweeps = c.SweepHandler
		routes.AdminAPIKey = c.Config.AdminAPIKey
	}
	router := handlers.NewRouter(routes)

	var h http.Handler = middleware.Timeout(requestTimeout)(router)
	if c.limiter != nil {
		h = c.limiter.Middleware(h)
	}
	return middleware.Chain(h,
		middleware.Recovery(c.Log),
		middleware.Logging(c.Log),
		middleware.CORS(c.Config.FrontendURL),
		middleware.SecurityHeaders,
	)
}

// Close stops the scheduler, drains queued notifications and releases connections.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Scheduler != nil && c.Scheduler.IsRunning() {
		if err := c.Scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Events != nil {
		if err := c.Events.Close(ctx); err != nil && !errors.Is(err, services.ErrQueueClosed) {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if c.Store != nil {
		c.Store.Close()
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured store, creating missing tables.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := store.NewPGStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newTransport picks Resend, direct SMTP or nothing, and the sender address to use with it.
func newTransport(cfg config.MailConfig, log logrus.FieldLogger) (notify.Transport, string) {
	switch {
	case cfg.UsesResend():
		log.Info("email service configured with Resend")
		return notify.NewResendTransport(cfg.ResendAPIKey), notify.ResendSender
	case cfg.SMTPConfigured():
		log.WithField("host", cfg.SMTPHost).Info("email service configured with SMTP")
		return notify.NewSMTPTransport(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass), cfg.FromEmail
	default:
		log.Warn("email service not configured, set RESEND_API_KEY or SMTP_HOST/SMTP_USER/SMTP_PASS")
		return notify.NopTransport{}, cfg.FromEmail
	}
}
