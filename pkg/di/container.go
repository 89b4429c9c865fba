package di

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"chatty-portal/backend/internal/outbox"
	"chatty-portal/backend/internal/relay"
	"chatty-portal/backend/internal/session"
	"chatty-portal/backend/internal/ws"
	"chatty-portal/backend/pkg/config"
	"chatty-portal/backend/pkg/health"
	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/observability"
	"chatty-portal/backend/pkg/resilience"
	"chatty-portal/backend/pkg/scheduler"
)

// Container holds all the dependencies for the application
type Container struct {
	Config    *config.Config
	Logger    *logger.Logger
	Metrics   *observability.Metrics
	Scheduler scheduler.Scheduler
	Registry  *session.Registry
	Breaker   *resilience.CircuitBreaker
	Relay     *relay.Fallback
	Outbox    outbox.Store
	Hub       *ws.Hub
	Health    *health.Checker

	shutdownTracing func(context.Context) error
	cancel          context.CancelFunc
}

// Options overrides pieces of the container, mainly for tests
type Options struct {
	// Scheduler drives greeting, sweep and mock reply timers
	Scheduler scheduler.Scheduler
	// Outbox replaces the store selected by REDIS_URL
	Outbox outbox.Store
	// Primary replaces the realtime service selected by OPENAI_API_KEY
	Primary relay.Service
	// Dialer is used by the realtime service
	Dialer relay.WebsocketDialer
	// TraceOutput receives spans when tracing is enabled. Defaults to stdout.
	TraceOutput io.Writer
	// HealthPeriod is how often health checks run
	HealthPeriod time.Duration
}

// New creates a new dependency injection container
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.Get()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	}

	c := &Container{Config: cfg, Logger: log}

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}
	c.Scheduler = sched

	if cfg.Observability.TracingEnabled {
		out := opts.TraceOutput
		if out == nil {
			out = os.Stdout
		}
		shutdown, err := observability.SetupTracing(cfg.Observability.ServiceName, out)
		if err != nil {
			return nil, err
		}
		c.shutdownTracing = shutdown
	}

	if cfg.Observability.MetricsEnabled {
		metrics, err := observability.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		c.Metrics = metrics
	}

	store := opts.Outbox
	if store == nil {
		if cfg.Redis.URL != "" {
			redisStore, err := outbox.NewRedis(outbox.RedisConfig{
				URL: cfg.Redis.URL,
				Key: cfg.Redis.OutboxKey,
				Max: cfg.Redis.OutboxMax,
				TTL: cfg.Redis.OutboxTTL,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create transcript outbox: %w", err)
			}
			store = redisStore
		} else {
			log.Warn("REDIS_URL not set, transcripts are queued in memory")
			store = outbox.NewMemory(int(cfg.Redis.OutboxMax))
		}
	}
	c.Outbox = store

	c.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "realtime",
		FailureThreshold: cfg.Relay.BreakerFailures,
		SuccessThreshold: cfg.Relay.BreakerSuccesses,
		RetryTimeout:     cfg.Relay.BreakerRetryAfter,
	}, log)

	primary := opts.Primary
	if primary == nil && cfg.Relay.APIKey != "" {
		primary = relay.NewRealtime(relay.RealtimeConfig{
			URL:    cfg.Relay.RealtimeURL,
			Model:  cfg.Relay.Model,
			APIKey: cfg.Relay.APIKey,
		}, opts.Dialer, log)
	}
	if primary == nil {
		log.Warn("OPENAI_API_KEY not set, every session uses the mock relay")
	}

	c.Relay = &relay.Fallback{
		Primary:   primary,
		Mock:      relay.NewMock(cfg.Relay.MockDelay, sched),
		Breaker:   c.Breaker,
		ForceMock: cfg.Relay.ForceMock,
		Timeout:   cfg.Relay.OpenTimeout,
		Metrics:   c.Metrics,
		Log:       log.WithComponent("relay"),
		Now:       sched.Now,
	}

	c.Registry = session.NewRegistry(session.Options{
		Timeout: cfg.Session.Timeout,
		Now:     sched.Now,
		Log:     log.WithComponent("registry"),
	})

	hubOpts := ws.DefaultOptions()
	hubOpts.GreetingDelay = cfg.Session.GreetingDelay
	hubOpts.SweepInterval = cfg.Session.SweepInterval
	hubOpts.DefaultPersonality = cfg.Session.DefaultPersonality
	hubOpts.MessageRate = cfg.Security.WSMessageRate
	hubOpts.MessageBurst = cfg.Security.WSMessageBurst
	hubOpts.MaxMessageSize = cfg.Security.WSMaxMessageLen
	hubOpts.AllowedOrigins = cfg.Security.AllowedOrigins
	hubOpts.TranscriptCap = cfg.Session.TranscriptCap
	c.Hub = ws.NewHub(c.Registry, c.Relay, store, sched, hubOpts, log, c.Metrics)

	period := opts.HealthPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	c.Health = health.NewChecker(log.WithComponent("health"), period)
	c.registerChecks()

	return c, nil
}

func (c *Container) registerChecks() {
	if _, ok := c.Outbox.(*outbox.Redis); ok {
		c.Health.RegisterPingCheck("outbox", c.Outbox)
	} else {
		c.Health.RegisterCheck("outbox", func(ctx context.Context) (health.Status, string, error) {
			return health.StatusDegraded, "Transcripts are queued in memory", c.Outbox.Ping(ctx)
		})
	}

	c.Health.RegisterCheck("relay", func(context.Context) (health.Status, string, error) {
		switch {
		case c.Relay.ForceMock:
			return health.StatusDegraded, "Mock relay forced by configuration", nil
		case c.Relay.Primary == nil:
			return health.StatusDegraded, "Realtime service not configured, using mock relay", nil
		case c.Breaker.GetState() == resilience.StateOpen:
			return health.StatusDegraded, "Realtime circuit open, using mock relay", nil
		}
		return health.StatusUp, "Realtime service available", nil
	})

	c.Health.RegisterCriticalCheck("hub", func(context.Context) (health.Status, string, error) {
		select {
		case <-c.Hub.Done():
			return health.StatusDown, "Hub stopped", errors.New("hub is not running")
		default:
		}
		return health.StatusUp, fmt.Sprintf("%d connections, %d sessions", c.Hub.Connections(), c.Registry.Count()), nil
	})
}

// Start runs the hub and the periodic health checks until Close
func (c *Container) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.Hub.Run(ctx)
	c.Health.Start(ctx)
}

// Close stops the hub, waits for it to release every session, then
// flushes telemetry and closes the outbox
func (c *Container) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.Hub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	if c.shutdownTracing != nil {
		errs = append(errs, c.shutdownTracing(ctx))
	}
	errs = append(errs, c.Metrics.Shutdown(ctx), c.Outbox.Close())
	return errors.Join(errs...)
}
