package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/broker"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/funded"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/rotation"
	"github.com/ksred/klear-exec/internal/scheduler"
	"github.com/ksred/klear-exec/internal/trading"
	"github.com/ksred/klear-exec/pkg/middleware"
)

const violationSyncSchedule = "@every 1m"

// App owns every long-lived component of the execution backbone.
type App struct {
	Config     config.Config
	DB         *gorm.DB
	Broker     *broker.Paper
	Gate       *risk.Gate
	Ledger     *performance.Ledger
	Registry   *funded.Registry
	Engine     *trading.Engine
	Supervisor *rotation.Supervisor
	Auth       *auth.Service
	Scheduler  *scheduler.Runner
	Publisher  events.Publisher

	redis   *events.RedisPublisher
	limiter *middleware.RateLimiter
	ctx     context.Context
	logger  zerolog.Logger
}

// New builds the component graph. extra publishers receive every event in
// addition to the log and, when enabled, Redis.
func New(ctx context.Context, cfg config.Config, extra ...events.Publisher) (*App, error) {
	a := &App{
		Config:  cfg,
		limiter: middleware.NewRateLimiter(),
		ctx:     ctx,
		logger:  log.With().Str("component", "app").Logger(),
	}

	db, err := database.NewDatabase(cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a.DB = db

	pubs := events.Multi{events.LogPublisher{}}
	if cfg.Redis.Enabled {
		a.redis = events.NewRedisPublisher(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.ChannelPrefix)
		pubs = append(pubs, a.redis)
	}
	pubs = append(pubs, extra...)
	a.Publisher = pubs

	a.Broker = broker.NewPaper(broker.PaperConfigFrom(cfg.Broker), cfg.Broker.Accounts...)
	for _, fa := range cfg.Funded {
		a.Broker.OpenAccount(fa.AccountID, fa.StartingEquity)
	}

	if a.Gate, err = risk.NewGate(cfg.Risk); err != nil {
		return nil, fmt.Errorf("failed to build risk gate: %w", err)
	}

	a.Ledger = performance.NewLedger(db, cfg.Performance, a.Publisher)
	if err := a.Ledger.LoadSnapshots(); err != nil {
		return nil, err
	}

	a.Registry = funded.NewRegistry(db, funded.LogConnector{}, a.Publisher)
	for _, fa := range cfg.Funded {
		if _, err := a.Registry.Register(fa); err != nil {
			return nil, fmt.Errorf("failed to register funded account %s: %w", fa.AccountID, err)
		}
	}

	a.Engine = trading.NewEngine(trading.ConfigFrom(cfg.Engine), trading.Deps{
		Broker:     a.Broker,
		Gate:       a.Gate,
		Accounts:   a.Registry,
		Strategies: a.Ledger,
		Trades:     a.Ledger,
		DB:         db,
		Publisher:  a.Publisher,
	})
	a.Engine.AddFillHook(a.Registry)
	a.Registry.SetFlattener(a.Engine)
	for _, id := range cfg.Broker.Accounts {
		a.Engine.TrackAccount(id)
	}
	for _, fa := range cfg.Funded {
		a.Engine.TrackAccount(fa.AccountID)
	}

	if cfg.Rotation.Enabled {
		a.Supervisor, err = rotation.NewSupervisor(cfg.Rotation, cfg.Portfolios, a.Ledger, a.Ledger, a.Publisher)
		if err != nil {
			return nil, fmt.Errorf("failed to build rotation supervisor: %w", err)
		}
		if cfg.Rotation.ApplySizeAdvisories {
			a.Engine.AddPreExecutionHook(rotation.SizeHook{Supervisor: a.Supervisor})
		}
	}

	a.Auth = auth.NewService(cfg.Auth)

	if err := a.schedule(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) schedule() error {
	a.Scheduler = scheduler.New(a.ctx)

	if a.Supervisor != nil {
		if err := a.Supervisor.Schedule(a.Scheduler); err != nil {
			return err
		}
	}

	if _, err := a.Scheduler.Add("daily_reset", a.Config.Engine.DailyResetCron, func(ctx context.Context) {
		a.Engine.ResetSession(ctx)
		a.Registry.ResetDaily(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule daily reset: %w", err)
	}

	if _, err := a.Scheduler.Add("strategy_snapshots", a.Config.Performance.SnapshotCron, func(ctx context.Context) {
		if err := a.Ledger.SaveSnapshots(ctx); err != nil {
			a.logger.Error().Err(err).Msg("failed to save strategy snapshots")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule strategy snapshots: %w", err)
	}

	if len(a.Config.Funded) > 0 {
		if _, err := a.Scheduler.Add("funded_violation_sync", violationSyncSchedule, a.syncViolations); err != nil {
			return fmt.Errorf("failed to schedule violation sync: %w", err)
		}
	}
	return nil
}

func (a *App) syncViolations(ctx context.Context) {
	for _, acct := range a.Registry.Accounts() {
		if _, err := a.Registry.SyncViolations(ctx, acct.AccountID); err != nil {
			a.logger.Warn().Err(err).Str("account_id", acct.AccountID).Msg("violation sync failed")
		}
	}
}

// Start launches the engine loops, the scheduler and rate-limit housekeeping.
func (a *App) Start() {
	a.Engine.Start(a.ctx)
	a.Scheduler.Start()
	go a.limiter.Cleanup(a.ctx)
	a.logger.Info().
		Int("funded_accounts", len(a.Config.Funded)).
		Bool("rotation", a.Supervisor != nil).
		Msg("execution backbone started")
}

// Shutdown stops background work and persists strategy state. Safe to call twice.
func (a *App) Shutdown(ctx context.Context) error {
	a.Scheduler.Stop()
	a.Engine.Stop()

	var errs []error
	if err := a.Ledger.SaveSnapshots(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
