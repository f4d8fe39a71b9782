package pipeline

import (
	"context"
	"time"

	"github.com/gleaner-app/gleaner/internal/entity"
	"github.com/gleaner-app/gleaner/internal/logger"
	"github.com/gleaner-app/gleaner/internal/messaging"

	opentracing "github.com/opentracing/opentracing-go"
	otLog "github.com/opentracing/opentracing-go/log"
)

// DueFeedPromoter claims due feeds and advances their schedules in one
// transaction around the enqueue callback.
type DueFeedPromoter interface {
	PromoteDueFeeds(ctx context.Context, now time.Time, limit int, enqueue func(context.Context, entity.Feed) error) (int, error)
}

// JobPusher places one job on the bus.
type JobPusher interface {
	Push(ctx context.Context, job *messaging.Job) error
}

// SchedulerMetrics counts scheduled jobs.
type SchedulerMetrics interface {
	JobsScheduled(count int)
}

// Scheduler promotes due feeds into queued fetch jobs on a fixed tick.
// Pre-advancing next_run_at inside the promotion transaction keeps the
// following ticks from re-queueing a feed a worker still holds; a
// crashed worker costs at most one missed cycle.
type Scheduler struct {
	repository DueFeedPromoter
	producer   JobPusher
	metrics    SchedulerMetrics
	logger     logger.Logger
	tracer     opentracing.Tracer
	tick       time.Duration
	batchSize  int
}

// NewScheduler creates the scheduler with the given tick period and
// per-tick batch limit.
func NewScheduler(repository DueFeedPromoter, producer JobPusher, schedulerMetrics SchedulerMetrics, logger logger.Logger, tracer opentracing.Tracer, tick time.Duration, batchSize int) *Scheduler {
	return &Scheduler{
		repository: repository,
		producer:   producer,
		metrics:    schedulerMetrics,
		logger:     logger,
		tracer:     tracer,
		tick:       tick,
		batchSize:  batchSize,
	}
}

// Run ticks until the context is canceled. Passes run back to back on
// the ticker, never overlapping; a failed pass is logged and the loop
// carries on.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting feed scheduler with tick ", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping feed scheduler")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Scheduler pass failed: ", err)
			}
		}
	}
}

// RunOnce performs a single scheduling pass: claim due feeds, push one
// job per feed, advance their next_run_at in the same transaction.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, s.tracer, "scheduler-tick")
	defer span.Finish()
	span.SetTag("component", "scheduler")

	now := time.Now().UTC()
	scheduled, err := s.repository.PromoteDueFeeds(ctx, now, s.batchSize, func(ctx context.Context, feed entity.Feed) error {
		job, err := messaging.NewJob(&feed, now)
		if err != nil {
			return err
		}
		return s.producer.Push(ctx, job)
	})
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if scheduled > 0 {
		s.metrics.JobsScheduled(scheduled)
		s.logger.Info("Scheduled ", scheduled, " feeds for fetching")
	}
	span.LogKV("scheduled", scheduled)
	return nil
}
