package messaging

import (
	"context"
	"encoding/json"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otLog "github.com/opentracing/opentracing-go/log"

	"github.com/gleaner-app/gleaner/internal/logger"
)

// EventsBus is the pub/sub side of the broker.
type EventsBus interface {
	PublishEvent(context.Context, []byte) error
}

// NewEventPublisher returns the single publisher for pipeline events.
// Publishing is best-effort: failures are logged and swallowed so event
// delivery can never block fetch progress.
func NewEventPublisher(bus EventsBus, logger logger.Logger, tracer opentracing.Tracer) *eventPublisher {
	return &eventPublisher{bus: bus, logger: logger, tracer: tracer}
}

type eventPublisher struct {
	bus    EventsBus
	logger logger.Logger
	tracer opentracing.Tracer
}

func (p *eventPublisher) setupTracingSpan(ctx context.Context, name string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, p.tracer, name)
	ext.Component.Set(span, "eventPublisher")
	return span, ctx
}

// Publish sends one event to current subscribers.
func (p *eventPublisher) Publish(ctx context.Context, event *Event) {
	span, ctx := p.setupTracingSpan(ctx, "publish-event")
	defer span.Finish()
	span.SetTag("event.type", event.Type)
	body, err := json.Marshal(event)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		p.logger.Error("Failure marshalling ", event.Type, " event: ", err)
		return
	}
	if err := p.bus.PublishEvent(ctx, body); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		p.logger.Warn("Failure publishing ", event.Type, " event: ", err)
		return
	}
	span.LogKV("event", "published")
}
