package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner wraps a seconds-enabled cron and hands every job the runner's base context.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context

	stopOnce sync.Once
}

func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger:  log.With().Str("component", "scheduler").Logger(),
		baseCtx: baseCtx,
	}
}

// Add registers job under a cron spec ("@every 5m", "0 0 0 * * *", ...).
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		r.logger.Debug().Str("job", name).Msg("running scheduled job")
		job(r.baseCtx)
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info().Str("job", name).Str("spec", spec).Msg("scheduled job registered")
	return id, nil
}

func (r *Runner) Start() {
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("scheduler started")
	r.cron.Start()
}

// Stop waits for running jobs; safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		ctx := r.cron.Stop()
		<-ctx.Done()
		r.logger.Info().Msg("scheduler stopped")
	})
}
