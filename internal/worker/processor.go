// Package worker runs bounded per-queue worker pools over the Redis job
// queues. Failed jobs are not retried inline; they go to the recovery
// ledger, which re-enqueues them on its own schedule.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketsync/internal/config"
	"marketsync/internal/models"
	"marketsync/internal/queue"
	"marketsync/internal/recovery"
	"marketsync/internal/telemetry"
)

// Handler executes one job. A nil return acks the job; an error routes it
// to the retry ledger. Handlers must tolerate redelivery: a crashed worker
// leaves its job to be reclaimed after the lease expires.
type Handler func(ctx context.Context, env models.JobEnvelope) error

// Processor drives the worker pools plus a per-queue maintenance loop that
// promotes due scheduled jobs and reclaims expired leases.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	recovery *recovery.Service
	handlers map[string]Handler
	log      *zap.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, rec *recovery.Service, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		recovery: rec,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a queue name.
func (p *Processor) RegisterHandler(queueName string, h Handler) {
	if queueName == "" || h == nil {
		return
	}
	p.handlers[queueName] = h
}

// Run starts all pools and blocks until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for _, queueName := range p.cfg.JobQueues {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.maintain(ctx, name)
		}(queueName)

		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				p.consume(ctx, name)
			}(queueName)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) maintain(ctx context.Context, queueName string) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, queueName, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled jobs", zap.String("queue", queueName), zap.Error(err))
		}
		reclaimed, err := p.queue.RequeueExpired(ctx, queueName, now, 100)
		if err != nil {
			p.log.Warn("requeue expired leases", zap.String("queue", queueName), zap.Error(err))
		} else if reclaimed > 0 {
			p.log.Info("reclaimed expired leases", zap.String("queue", queueName), zap.Int("count", reclaimed))
		}
		if depth, err := p.queue.Depth(ctx, queueName); err == nil {
			telemetry.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
		}
		if inflight, err := p.queue.InFlight(ctx, queueName); err == nil {
			telemetry.JobsInFlight.WithLabelValues(queueName).Set(float64(inflight))
		}
	}
}

func (p *Processor) consume(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, raw, err := p.queue.Dequeue(ctx, queueName)
		if err != nil {
			p.log.Warn("dequeue failed", zap.String("queue", queueName), zap.Error(err))
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if env == nil {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(ctx, queueName, *env, raw)
	}
}

func (p *Processor) process(ctx context.Context, queueName string, env models.JobEnvelope, raw string) {
	handler, ok := p.handlers[queueName]
	if !ok {
		p.log.Error("no handler registered for queue",
			zap.String("queue", queueName), zap.String("job_id", env.ID))
		_ = p.queue.Ack(ctx, queueName, raw)
		return
	}

	err := handler(ctx, env)
	// The job leaves the inflight set either way; failures live on in the
	// retry ledger, not the queue.
	if ackErr := p.queue.Ack(ctx, queueName, raw); ackErr != nil {
		p.log.Warn("ack failed", zap.String("queue", queueName), zap.Error(ackErr))
	}
	if err == nil {
		telemetry.JobsSucceeded.WithLabelValues(queueName).Inc()
		return
	}

	telemetry.JobsFailed.WithLabelValues(queueName).Inc()
	p.log.Warn("job failed",
		zap.String("queue", queueName),
		zap.String("job_id", env.ID),
		zap.String("job_name", env.Name),
		zap.Error(err))
	if _, recErr := p.recovery.RecordFailure(ctx, queueName, env.ID, env.Name, env.Payload, err); recErr != nil {
		p.log.Error("record job failure", zap.String("job_id", env.ID), zap.Error(recErr))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
