package messaging

import (
	"context"
	"encoding/json"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otLog "github.com/opentracing/opentracing-go/log"
)

// JobsBus is the queue side of the broker.
type JobsBus interface {
	PushJob(context.Context, []byte) error
}

// NewJobProducer returns producer to enqueue feed fetch jobs
func NewJobProducer(bus JobsBus, tracer opentracing.Tracer) *jobProducer {
	return &jobProducer{bus: bus, tracer: tracer}
}

type jobProducer struct {
	bus    JobsBus
	tracer opentracing.Tracer
}

func (p *jobProducer) setupTracingSpan(ctx context.Context, name string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, p.tracer, name)
	ext.Component.Set(span, "jobProducer")
	return span, ctx
}

// Push marshals the job and appends it to the durable queue.
func (p *jobProducer) Push(ctx context.Context, job *Job) error {
	span, ctx := p.setupTracingSpan(ctx, "push-fetch-job")
	defer span.Finish()
	span.SetTag("feed.ID", job.FeedID.String())
	span.SetTag("job.ID", job.JobID.String())
	body, err := json.Marshal(job)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if err := p.bus.PushJob(ctx, body); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	span.LogKV("event", "pushed fetch job")
	return nil
}
