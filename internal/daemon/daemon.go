package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/nudge/internal/api"
	"github.com/tutu-network/nudge/internal/app/delivery"
	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/app/learning"
	"github.com/tutu-network/nudge/internal/app/message"
	"github.com/tutu-network/nudge/internal/app/model"
	"github.com/tutu-network/nudge/internal/app/nudge"
	"github.com/tutu-network/nudge/internal/app/pattern"
	"github.com/tutu-network/nudge/internal/app/ratelimit"
	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/health"
	"github.com/tutu-network/nudge/internal/infra/queue"
	"github.com/tutu-network/nudge/internal/infra/sqlite"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Options adjust how a Daemon is built.
type Options struct {
	// Ephemeral keeps all state in a temporary directory removed on Close.
	Ephemeral bool
	Version   string
	Clock     timer.Clock
	Logger    *zap.Logger
}

// Daemon is the nudge runtime. It wires together all services.
type Daemon struct {
	Config Config
	DB     *sqlite.DB
	Nudges *nudge.Orchestrator
	Inbox  *delivery.Inbox
	Health *health.Checker
	Server *api.Server

	log       *zap.Logger
	tempDir   string
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New loads the config file and creates a Daemon.
func New(opts Options) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, opts)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := cfg.location()

	log := opts.Logger
	if log == nil {
		l, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		log = l
	}
	clock := opts.Clock
	if clock == nil {
		clock = timer.Real()
	}

	dir := nudgeHome()
	var tempDir string
	if opts.Ephemeral {
		d, err := os.MkdirTemp("", "nudge-*")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		dir, tempDir = d, d
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db, log: log, tempDir: tempDir}

	// Delivery primitive
	var deliverer domain.Deliverer
	var webhook *delivery.Webhook
	d.Inbox = delivery.NewInbox(db, clock, log.Named("inbox"))
	switch cfg.Delivery.Mode {
	case "webhook":
		webhook = delivery.NewWebhook(cfg.Delivery.WebhookURL,
			parseDuration(cfg.Delivery.Timeout, 10*time.Second), log.Named("webhook"))
		deliverer = webhook
	default:
		deliverer = d.Inbox
	}

	// Engine
	models := model.NewStore(db, clock, model.DefaultConfig(), log.Named("model"))
	engine := learning.NewEngine(models, clock, learning.DefaultConfig(), log.Named("learning"))
	exps := experiment.NewService(db, clock, log.Named("experiment"))

	pcfg := pattern.DefaultConfig()
	pcfg.Location = loc
	pcfg.QuietHours = domain.HourRange{Start: cfg.QuietHours.Start, End: cfg.QuietHours.End}
	tracker := pattern.NewTracker(cfg.User.ID, db, engine, exps, clock, pcfg, log.Named("pattern"))

	limiter := ratelimit.New(db, clock, rateLimitConfig(cfg.RateLimit), log.Named("ratelimit"))
	q := queue.New(db, deliverer, clock, queueConfig(cfg.Queue), log.Named("queue"), queue.WithGate(limiter))

	ocfg := nudge.DefaultConfig()
	ocfg.UserID = cfg.User.ID
	ocfg.Location = loc
	d.Nudges = nudge.New(nudge.Deps{
		Clock:       clock,
		Models:      models,
		Tracker:     tracker,
		Learning:    engine,
		Experiments: exps,
		Generator:   message.NewGenerator(nil, log.Named("message")),
		Limiter:     limiter,
		Queue:       q,
		Deliverer:   deliverer,
	}, ocfg, log.Named("nudge"))

	// Health checker
	d.Health = health.NewChecker(db, q, health.Config{
		Interval:     parseDuration(cfg.Scheduler.HealthInterval, 60*time.Second),
		QueueMaxSize: cfg.Queue.MaxSize,
		BacklogRatio: 0.8,
	}, log.Named("health"))
	if webhook != nil {
		d.Health.Add(health.Check{Name: "webhook", CheckFn: webhook.Ping})
	}

	// API server
	d.Server = api.NewServer(d.Nudges, opts.Version, log.Named("api"))
	d.Server.SetInbox(d.Inbox)
	d.Server.SetHealth(d.Health)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

func rateLimitConfig(c RateLimitConfig) ratelimit.Config {
	out := ratelimit.DefaultConfig()
	if c.MaxPerWindow > 0 {
		out.MaxPerWindow = c.MaxPerWindow
	}
	if c.BackoffMultiplier >= 1 {
		out.BackoffMultiplier = c.BackoffMultiplier
	}
	out.Window = parseDuration(c.Window, out.Window)
	out.Cooldown = parseDuration(c.Cooldown, out.Cooldown)
	out.MaxCooldown = parseDuration(c.MaxCooldown, out.MaxCooldown)
	out.InterventionCooldown = parseDuration(c.InterventionCooldown, out.InterventionCooldown)
	return out
}

func queueConfig(c QueueConfig) queue.Config {
	out := queue.DefaultConfig()
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.Multiplier >= 1 {
		out.Multiplier = c.Multiplier
	}
	if c.MaxSize > 0 {
		out.MaxSize = c.MaxSize
	}
	out.BaseDelay = parseDuration(c.BaseDelay, out.BaseDelay)
	out.MaxDelay = parseDuration(c.MaxDelay, out.MaxDelay)
	out.MaxAge = parseDuration(c.MaxAge, out.MaxAge)
	out.PollInterval = parseDuration(c.PollInterval, out.PollInterval)
	return out
}

// Serve starts the HTTP server and the background loops, and blocks until
// ctx is cancelled or a signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Nudges.Queue.Run(gctx) })
	g.Go(func() error { return d.Health.Run(gctx) })
	g.Go(func() error {
		return d.checkLoop(gctx, parseDuration(d.Config.Scheduler.CheckInterval, 30*time.Minute))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		d.log.Info("serving",
			zap.String("addr", "http://"+addr),
			zap.String("delivery", d.Config.Delivery.Mode),
			zap.Bool("metrics", d.Config.Telemetry.Prometheus))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	d.Close()
	return err
}

// checkLoop runs the periodic behavioural check. A low-risk user is a no-op.
func (d *Daemon) checkLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if d.Nudges.SendBehavioralIntervention(ctx) {
				d.log.Info("behavioural intervention sent")
			}
		}
	}
}

// Close flushes pending writes and releases resources. Calls after the
// first are no-ops.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.Nudges.Flush()
		if err := d.DB.Close(); err != nil {
			d.log.Error("close database", zap.Error(err))
		}
		if d.tempDir != "" {
			os.RemoveAll(d.tempDir)
		}
		_ = d.log.Sync()
	})
}
