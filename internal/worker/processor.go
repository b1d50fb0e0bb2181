package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/models"
	"github.com/betterhub/hubsync/internal/store"
	"github.com/betterhub/hubsync/internal/telemetry"
)

// Handler executes a claimed sync job of a given type.
type Handler func(ctx context.Context, job models.SyncJob) error

// Processor drives the worker execution loop: claim due jobs per user,
// dispatch to handlers, record the outcome. Several processors may run
// against the same store; the store's conditional claim keeps them from
// executing the same job twice.
type Processor struct {
	cfg      config.Config
	store    *store.Store
	handlers map[string]Handler
	logger   *zap.Logger
	workerID string
}

func NewProcessor(cfg config.Config, st *store.Store, logger *zap.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls for due work until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	p.logger.Info("worker started",
		zap.String("worker_id", p.workerID),
		zap.Duration("poll_interval", p.cfg.WorkerPollInterval),
		zap.Int("claim_batch", p.cfg.ClaimBatchSize))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.tick(ctx); err != nil {
			p.logger.Warn("poll cycle failed", zap.Error(err))
		}
	}
}

// tick is one poll cycle: claim and execute due jobs for every user with
// due work.
func (p *Processor) tick(ctx context.Context) error {
	users, err := p.store.DueUsers(ctx, 100)
	if err != nil {
		return fmt.Errorf("list due users: %w", err)
	}

	for _, user := range users {
		jobs, err := p.store.ClaimDue(ctx, user, p.cfg.ClaimBatchSize)
		if err != nil {
			p.logger.Warn("claim failed", zap.String("user", user), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			p.execute(ctx, job)
		}
	}

	if depth, err := p.store.QueueDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	return nil
}

func (p *Processor) execute(ctx context.Context, job models.SyncJob) {
	telemetry.ClaimCounter.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := p.runJob(ctx, job)
	if err == nil {
		if err := p.store.MarkSucceeded(ctx, job.ID); err != nil {
			p.logger.Error("mark succeeded failed", zap.Int64("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.SuccessCounter.Inc()
		p.logger.Debug("job succeeded",
			zap.Int64("job_id", job.ID),
			zap.String("user", job.UserID),
			zap.String("type", job.JobType))
		return
	}

	status, markErr := p.store.MarkFailed(ctx, job.ID, job.Attempts, err.Error())
	if markErr != nil {
		p.logger.Error("mark failed failed", zap.Int64("job_id", job.ID), zap.Error(markErr))
		return
	}
	if status == models.StatusFailed {
		telemetry.DeadLetterCounter.Inc()
		p.logger.Warn("job dead-lettered",
			zap.Int64("job_id", job.ID),
			zap.String("user", job.UserID),
			zap.String("type", job.JobType),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(err))
		return
	}
	telemetry.RetryCounter.Inc()
	p.logger.Info("job will retry",
		zap.Int64("job_id", job.ID),
		zap.String("user", job.UserID),
		zap.String("type", job.JobType),
		zap.Int("attempts", job.Attempts+1),
		zap.Error(err))
}

func (p *Processor) runJob(ctx context.Context, job models.SyncJob) error {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.JobType)
	}
	return handler(ctx, job)
}
