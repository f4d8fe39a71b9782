package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gleaner-app/gleaner/internal/logger"
	"github.com/gleaner-app/gleaner/internal/messaging"

	"golang.org/x/sync/errgroup"
)

// maxPoolSize caps the worker count regardless of the configured fetch
// concurrency; the spare concurrency budget serves per-entry article
// requests inside each job.
const maxPoolSize = 5

// JobSource hands out queued job payloads. A (nil, nil) return means
// the pop timed out with nothing queued.
type JobSource interface {
	PopJob(ctx context.Context) ([]byte, error)
}

// JobProcessor works one decoded job.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job *messaging.Job) error
}

// ConsumerMetrics counts consumed jobs.
type ConsumerMetrics interface {
	JobConsumed()
}

// ConsumerPool runs a fixed set of workers that block-pop jobs and
// process them. Stop lets workers finish their in-flight job; canceling
// the Run context is the hard cutoff.
type ConsumerPool struct {
	bus       JobSource
	processor JobProcessor
	metrics   ConsumerMetrics
	logger    logger.Logger
	workers   int
	quit      chan struct{}
	stopOnce  sync.Once
}

// NewConsumerPool sizes the pool at min(concurrency, 5), at least one.
func NewConsumerPool(bus JobSource, processor JobProcessor, consumerMetrics ConsumerMetrics, logger logger.Logger, concurrency int) *ConsumerPool {
	workers := concurrency
	if workers > maxPoolSize {
		workers = maxPoolSize
	}
	if workers < 1 {
		workers = 1
	}
	return &ConsumerPool{
		bus:       bus,
		processor: processor,
		metrics:   consumerMetrics,
		logger:    logger,
		workers:   workers,
		quit:      make(chan struct{}),
	}
}

// Run starts the workers and blocks until all of them have exited.
func (p *ConsumerPool) Run(ctx context.Context) error {
	p.logger.Info("Starting ", p.workers, " fetch workers")
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			return p.worker(ctx)
		})
	}
	return group.Wait()
}

// Stop asks the workers to exit after their current job. Safe to call
// more than once.
func (p *ConsumerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
}

func (p *ConsumerPool) worker(ctx context.Context) error {
	for {
		select {
		case <-p.quit:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := p.bus.PopJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Popping job from bus: ", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if payload == nil {
			continue
		}

		p.metrics.JobConsumed()
		job := &messaging.Job{}
		if err := json.Unmarshal(payload, job); err != nil {
			p.logger.Error("Discarding malformed job payload: ", err)
			continue
		}
		if err := p.processor.ProcessJob(ctx, job); err != nil {
			p.logger.Error("Processing job ", job.JobID, ": ", err)
		}
	}
}
