// Package app wires Kotori together: the database, the security gate, the
// intent parser, the approval workflow, the audit log and the dispatcher,
// plus the HTTP and Matrix channels in front of them and the background
// sweepers behind them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/audit"
	"github.com/bdobrica/Kotori/internal/kotori/config"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
	"github.com/bdobrica/Kotori/internal/kotori/gate"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
	"github.com/bdobrica/Kotori/internal/kotori/intent"
	"github.com/bdobrica/Kotori/internal/kotori/matrix"
	"github.com/bdobrica/Kotori/internal/kotori/metrics"
	"github.com/bdobrica/Kotori/internal/kotori/reminders"
	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// ReminderRetention is how long acknowledged reminders are kept.
const ReminderRetention = 30 * 24 * time.Hour

// App owns every long-lived component.
type App struct {
	cfg *config.Config

	db      *store.Store
	redis   *redis.Client
	metrics *metrics.Metrics

	gate       *gate.Gate
	workflow   *approvals.Workflow
	auditStore *audit.Store
	models     *config.Models
	reminders  *reminders.Store
	dispatcher *dispatch.Dispatcher
	system     *System

	server  *Server
	matrix  *matrix.Client
	channel *matrix.Channel
}

// Option customises New.
type Option func(*options)

type options struct {
	ports dispatch.Ports
	llm   inference.Port
}

// WithPorts supplies service adapters (email, calendar, ...). Ports left
// nil answer "service unavailable". Reminders, models and system status are
// always provided by the app itself.
func WithPorts(p dispatch.Ports) Option {
	return func(o *options) { o.ports = p }
}

// WithInferencePort replaces the OpenAI-compatible backend, for tests.
func WithInferencePort(p inference.Port) Option {
	return func(o *options) { o.llm = p }
}

// New opens the database and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{cfg: cfg, metrics: metrics.New()}

	slog.Info("opening database", "dialect", cfg.Database.Dialect)
	db, err := store.Open(ctx, store.Config{
		Dialect:      store.Dialect(cfg.Database.Dialect),
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg
	loc := cfg.Location()

	// Operator notices go to Matrix when a room is configured.
	var notifier audit.Notifier = audit.Noop{}
	if cfg.Matrix.Enabled() {
		mc, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			DB:          a.db,
		})
		if err != nil {
			return err
		}
		a.matrix = mc
		if cfg.Matrix.NotifyRoom != "" {
			notifier = audit.NewMatrixNotifier(mc, cfg.Matrix.NotifyRoom)
			slog.Info("operator notices enabled", "room", cfg.Matrix.NotifyRoom)
		}
	}

	a.auditStore = audit.NewStore(a.db)
	auditLog := audit.NewLog(a.auditStore,
		audit.WithNotifier(notifier),
		audit.WithFailureHook(a.metrics.AuditFailure),
	)

	a.workflow = approvals.NewWorkflow(approvals.NewStore(a.db), auditLog,
		approvals.Config{TTL: cfg.Approvals.TTL, Approvers: cfg.Approvals.Approvers},
		approvals.WithNotifier(notifier),
		approvals.WithTransitionHook(a.metrics.ApprovalTransition),
	)

	threats, err := a.threatStore(ctx)
	if err != nil {
		return err
	}
	var sigs []gate.Signature
	if cfg.Gate.SignaturesFile != "" {
		if sigs, err = gate.LoadSignatures(cfg.Gate.SignaturesFile); err != nil {
			return err
		}
		slog.Info("gate signatures loaded", "file", cfg.Gate.SignaturesFile, "count", len(sigs))
	}
	gcfg := gate.DefaultConfig()
	if cfg.Gate.Sensitivity != "" {
		gcfg.Sensitivity = gate.Sensitivity(cfg.Gate.Sensitivity)
	}
	if cfg.Gate.Window > 0 {
		gcfg.Window = cfg.Gate.Window
	}
	if cfg.Gate.ScoreThreshold > 0 {
		gcfg.ScoreThreshold = cfg.Gate.ScoreThreshold
	}
	if cfg.Gate.Cooldown > 0 {
		gcfg.Cooldown = cfg.Gate.Cooldown
	}
	if a.gate, err = gate.New(threats, sigs, gcfg); err != nil {
		return fmt.Errorf("security gate: %w", err)
	}

	a.models = config.NewModels(config.New(a.db), cfg.Inference.Model)
	llm := o.llm
	if llm == nil {
		llm = a.inferencePort()
	}

	var prompt string
	if cfg.Parser.PromptFile != "" {
		if prompt, err = intent.LoadPromptTemplate(cfg.Parser.PromptFile); err != nil {
			return err
		}
	}
	parser, err := intent.New(llm, intent.Config{
		Timeout:        cfg.Parser.Timeout,
		MinConfidence:  cfg.Parser.MinConfidence,
		PromptTemplate: prompt,
		Location:       loc,
	})
	if err != nil {
		return fmt.Errorf("intent parser: %w", err)
	}

	a.reminders = reminders.NewStore(a.db)
	a.system = NewSystem(a.models, a.workflow, a.checks()...)

	ports := o.ports
	ports.Reminders = a.reminders
	ports.Models = a.models
	ports.System = a.system

	a.dispatcher = dispatch.New(a.gate, parser, a.workflow, auditLog, ports,
		dispatch.Config{HomeLocation: cfg.HomeLocation, Location: loc},
		dispatch.WithInference(llm),
		dispatch.WithNotifier(notifier),
		dispatch.WithObserver(a.metrics),
	)

	auth := NewAuthenticator(cfg.HTTP.JWTSecret)
	if auth.Development() {
		slog.Warn("KOTORI_JWT_SECRET is not set; the chat API trusts the X-User-ID header")
	}
	a.server = NewServer(ServerConfig{
		Addr:            cfg.HTTP.Addr,
		TrustProxy:      cfg.HTTP.TrustProxy,
		RateLimit:       cfg.HTTP.RateLimit,
		RateBurst:       cfg.HTTP.RateBurst,
		Timezone:        cfg.Timezone,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, a.dispatcher, auth, a.system, a.metrics, WithBlockChecker(a.gate))

	if a.matrix != nil {
		a.channel = matrix.NewChannel(a.dispatcher, a.matrix, a.matrix.SyncStore(), cfg.Timezone)
	}
	return nil
}

func (a *App) threatStore(ctx context.Context) (gate.ThreatStore, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return gate.NewSQLThreatStore(a.db), nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", rc.Addr, err)
	}
	slog.Info("gate threat state shared through redis", "addr", rc.Addr)
	return gate.NewRedisThreatStore(a.redis, rc.Prefix, gate.DefaultConfig().Retention), nil
}

// inferencePort stacks the OpenAI adapter, the circuit breaker and the
// per-user limits. Without an endpoint or key only the quick patterns work.
func (a *App) inferencePort() inference.Port {
	ic := a.cfg.Inference
	if ic.BaseURL == "" && ic.APIKey == "" {
		slog.Warn("no inference backend configured; only built-in phrases are understood")
		return inference.Unavailable{}
	}
	oai := inference.NewOpenAI(inference.Config{
		APIKey:  ic.APIKey,
		BaseURL: ic.BaseURL,
		Model:   ic.Model,
		Timeout: ic.Timeout,
	}, inference.WithModelSource(a.models))
	breaker := inference.NewBreaker(oai, ic.BreakerThreshold, ic.BreakerCooldown)
	a.metrics.WatchBreaker(breaker)
	a.models.SetLister(breaker)

	var (
		rate   *inference.RateLimiter
		budget *inference.TokenBudget
	)
	if ic.RateLimit > 0 {
		rate = inference.NewRateLimiter(ic.RateLimit, ic.RateWindow)
	}
	if ic.DailyTokenBudget > 0 {
		budget = inference.NewTokenBudget(ic.DailyTokenBudget)
	}
	slog.Info("inference backend ready", "base_url", ic.BaseURL, "model", ic.Model)
	return inference.NewLimited(breaker, rate, budget)
}

func (a *App) checks() []Check {
	checks := []Check{{
		Name: "database",
		Ping: func(ctx context.Context) (string, error) {
			return a.cfg.Database.Dialect, a.db.Ping(ctx)
		},
	}}
	if a.redis != nil {
		checks = append(checks, Check{
			Name:  "redis",
			Ping: func(ctx context.Context) (string, error) { return "", a.redis.Ping(ctx).Err() },
		})
	}
	if a.matrix != nil {
		checks = append(checks, Check{
			Name:  "matrix",
			Ping: func(ctx context.Context) (string, error) { return "", a.matrix.Whoami(ctx) },
		})
	}
	return checks
}

// Dispatcher returns the pipeline, for the CLI.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Workflow returns the approval workflow, for the CLI.
func (a *App) Workflow() *approvals.Workflow { return a.workflow }

// AuditStore returns the audit table, for the CLI.
func (a *App) AuditStore() *audit.Store { return a.auditStore }

// Server returns the HTTP server.
func (a *App) Server() *Server { return a.server }

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Run(ctx) })

	g.Go(func() error {
		a.workflow.RunSweeper(ctx, a.cfg.Approvals.SweepInterval)
		return nil
	})

	g.Go(func() error {
		every(ctx, a.cfg.Gate.SweepInterval, func(ctx context.Context) {
			n, err := a.gate.Sweep(ctx)
			if err != nil {
				slog.Warn("gate: sweep failed", "err", err)
				return
			}
			if n > 0 {
				slog.Info("gate: dropped old threat records", "count", n)
			}
		})
		return nil
	})

	g.Go(func() error {
		every(ctx, 24*time.Hour, func(ctx context.Context) {
			n, err := a.reminders.Cleanup(ctx, time.Now().Add(-ReminderRetention))
			if err != nil {
				slog.Warn("reminders: cleanup failed", "err", err)
				return
			}
			if n > 0 {
				slog.Info("reminders: removed acknowledged reminders", "count", n)
			}
		})
		return nil
	})

	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, a.channel.OnMessage); err != nil {
			return fmt.Errorf("matrix: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			a.matrix.Stop()
			return nil
		})
		g.Go(func() error {
			a.reminders.RunDelivery(ctx, a.cfg.Reminders.PollInterval, a.deliverReminder)
			return nil
		})
	}

	slog.Info("Kotori is running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) deliverReminder(ctx context.Context, d reminders.Delivery) error {
	if err := a.channel.DeliverReminder(ctx, d); err != nil {
		return err
	}
	a.metrics.ReminderDelivered()
	return nil
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("closing redis", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("closing database", "err", err)
		}
	}
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
