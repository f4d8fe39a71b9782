// Package worker runs the background half of the pipeline: the
// scheduler promoting due feeds, the consumer pool fetching them, and
// the event heartbeat, tied to signal-driven shutdown.
package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gleaner-app/gleaner/internal/logger"
	"github.com/gleaner-app/gleaner/internal/messaging"
)

// Config defines worker lifecycle configuration, read from the "worker"
// section.
type Config struct {
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	HeartbeatSeconds       int `mapstructure:"heartbeat_seconds"`
}

// ApplyDefaults fills zero fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 30
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
}

// Scheduler promotes due feeds into jobs until its context is done.
type Scheduler interface {
	Run(ctx context.Context)
}

// ConsumerPool works fetch jobs off the queue. Stop makes workers quit
// after their current job; cancelling the Run context abandons
// in-flight work.
type ConsumerPool interface {
	Run(ctx context.Context) error
	Stop()
}

// EventPublisher emits lifecycle events on the shared events channel.
type EventPublisher interface {
	Publish(ctx context.Context, event *messaging.Event)
}

// Worker owns the background process lifecycle.
type Worker struct {
	scheduler       Scheduler
	pool            ConsumerPool
	publisher       EventPublisher
	logger          logger.Logger
	shutdownTimeout time.Duration
	heartbeat       time.Duration
}

// New assembles the worker from its already constructed parts.
func New(scheduler Scheduler, pool ConsumerPool, publisher EventPublisher, logger logger.Logger, workerConfig Config) *Worker {
	workerConfig.ApplyDefaults()
	return &Worker{
		scheduler:       scheduler,
		pool:            pool,
		publisher:       publisher,
		logger:          logger,
		shutdownTimeout: time.Duration(workerConfig.ShutdownTimeoutSeconds) * time.Second,
		heartbeat:       time.Duration(workerConfig.HeartbeatSeconds) * time.Second,
	}
}

// Run starts the scheduler, the consumer pool and the heartbeat, then
// blocks until SIGINT or SIGTERM. Shutdown order: the scheduler stops
// first so nothing new is enqueued, then the pool drains within the
// shutdown timeout. On timeout in-flight jobs are abandoned; their
// feeds' next_run_at is already advanced, so the next process picks
// them up on schedule.
func (w *Worker) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.publisher.Publish(ctx, messaging.NewConnectedEvent())
	go w.heartbeatLoop(ctx)

	schedulerCtx, schedulerCancel := context.WithCancel(ctx)
	defer schedulerCancel()
	schedulerDone := make(chan struct{})
	go func() {
		w.scheduler.Run(schedulerCtx)
		close(schedulerDone)
	}()

	// The pool context is deliberately not derived from ctx: workers
	// keep their current job alive through the drain window.
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- w.pool.Run(poolCtx)
	}()

	w.logger.Info("Started worker, terminate with 'kill <pid>'")
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	received := <-signalChan
	w.logger.Info("Received ", received, ", shutting down")

	schedulerCancel()
	<-schedulerDone
	w.logger.Info("Stopped scheduler")

	w.pool.Stop()
	select {
	case err := <-poolDone:
		w.logger.Info("Consumer pool drained")
		return err
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Drain timed out after ", w.shutdownTimeout, ", abandoning in-flight jobs")
		poolCancel()
		return <-poolDone
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publisher.Publish(ctx, messaging.NewHeartbeatEvent())
		}
	}
}
