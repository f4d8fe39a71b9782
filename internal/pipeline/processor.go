package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gleaner-app/gleaner/internal/entity"
	"github.com/gleaner-app/gleaner/internal/extract"
	"github.com/gleaner-app/gleaner/internal/fetch"
	"github.com/gleaner-app/gleaner/internal/logger"
	"github.com/gleaner-app/gleaner/internal/messaging"
	"github.com/gleaner-app/gleaner/internal/metrics"

	"github.com/gofrs/uuid"
	"github.com/mmcdole/gofeed"
	opentracing "github.com/opentracing/opentracing-go"
	otLog "github.com/opentracing/opentracing-go/log"
)

// FeedsRepository defines the store operations one fetch needs.
type FeedsRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Feed, error)
	ExistingGUIDs(ctx context.Context, feedID uuid.UUID, guids []string) (map[string]struct{}, error)
	ApplyFetchResult(ctx context.Context, feed *entity.Feed, items []entity.Item, fetchLog *entity.FetchLog) (int, error)
	RecordFetchOutcome(ctx context.Context, feedID uuid.UUID, fetchedAt time.Time, fetchLog *entity.FetchLog) error
}

// FeedFetcher issues the conditional feed request and the per-article
// page requests for enrichment.
type FeedFetcher interface {
	Fetch(ctx context.Context, feed *entity.Feed) (*fetch.Result, error)
	FetchPage(ctx context.Context, pageURL string) (*fetch.Result, error)
}

// EventPublisher pushes progress events. Implementations must never
// block fetch progress on publish failure.
type EventPublisher interface {
	Publish(ctx context.Context, event *messaging.Event)
}

// FetchMetrics records the per-fetch counters.
type FetchMetrics interface {
	FetchDone(outcome string, elapsed time.Duration)
	ItemsInserted(count int)
}

// Processor works one fetch job end to end: load the feed, fetch,
// parse, normalize, enrich, store, publish events.
type Processor struct {
	repository FeedsRepository
	fetcher    FeedFetcher
	publisher  EventPublisher
	engine     extract.Engine
	metrics    FetchMetrics
	logger     logger.Logger
	tracer     opentracing.Tracer
}

// NewProcessor creates the fetch job handler. engine may be nil, which
// disables content enrichment.
func NewProcessor(repository FeedsRepository, fetcher FeedFetcher, publisher EventPublisher, engine extract.Engine, fetchMetrics FetchMetrics, logger logger.Logger, tracer opentracing.Tracer) *Processor {
	return &Processor{
		repository: repository,
		fetcher:    fetcher,
		publisher:  publisher,
		engine:     engine,
		metrics:    fetchMetrics,
		logger:     logger,
		tracer:     tracer,
	}
}

// ProcessJob runs one queued fetch. Expected fetch failures (transport
// errors, bad HTTP statuses, unparseable documents) are recorded and
// reported as events but not returned; the schedule owns the retry.
// A returned error means the store itself failed.
func (p *Processor) ProcessJob(ctx context.Context, job *messaging.Job) error {
	span, ctx := p.setupTracingSpan(ctx, "process-fetch-job")
	defer span.Finish()
	span.SetTag("feed.id", job.FeedID.String())

	feed, err := p.repository.GetByID(ctx, job.FeedID)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(job.FeedID, messaging.StatusError, err.Error()))
		return fmt.Errorf("couldn't get feed %v from repository, %w", job.FeedID, err)
	}
	if feed == nil {
		p.logger.Warn("Discarding job ", job.JobID, " for unknown feed ", job.FeedID)
		return nil
	}

	result, err := p.fetcher.Fetch(ctx, feed)
	now := time.Now().UTC()
	if err != nil {
		var elapsed time.Duration
		if result != nil {
			elapsed = result.Elapsed
		}
		return p.recordFailure(ctx, feed, now, &entity.FetchLog{
			FeedID:     feed.ID,
			StatusCode: 0,
			DurationMS: durationMS(elapsed),
			Error:      err.Error(),
		}, elapsed)
	}

	switch {
	case result.StatusCode == http.StatusNotModified:
		zero := 0
		fetchLog := &entity.FetchLog{
			FeedID:     feed.ID,
			StatusCode: http.StatusNotModified,
			DurationMS: durationMS(result.Elapsed),
			Bytes:      &zero,
		}
		if err := p.repository.RecordFetchOutcome(ctx, feed.ID, now, fetchLog); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusError, err.Error()))
			return fmt.Errorf("couldn't record fetch outcome for feed %v, %w", feed.ID, err)
		}
		p.metrics.FetchDone(metrics.OutcomeNotModified, result.Elapsed)
		p.logger.Debug("Feed ", feed.URL, " not modified")
		p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusOK, "not modified"))
		return nil
	case result.StatusCode < 200 || result.StatusCode > 299:
		return p.recordFailure(ctx, feed, now, &entity.FetchLog{
			FeedID:     feed.ID,
			StatusCode: result.StatusCode,
			DurationMS: durationMS(result.Elapsed),
			Error:      fmt.Sprintf("unexpected HTTP status %d", result.StatusCode),
		}, result.Elapsed)
	}

	parsed, err := parseFeed(result.Body)
	if err != nil {
		size := len(result.Body)
		return p.recordFailure(ctx, feed, now, &entity.FetchLog{
			FeedID:     feed.ID,
			StatusCode: result.StatusCode,
			DurationMS: durationMS(result.Elapsed),
			Bytes:      &size,
			Error:      err.Error(),
		}, result.Elapsed)
	}
	p.logger.Debug("Feed ", feed.URL, " returned ", len(parsed.Items), " entries")

	items := p.buildItems(ctx, feed, parsed, now)

	feed.ETag = result.ETag
	feed.LastModified = result.LastModified
	feed.LastFetchAt = now
	feed.LastStatus = result.StatusCode
	if feed.Title == "" && parsed.Title != "" {
		feed.Title = truncateBytes(parsed.Title, maxFeedTitleBytes)
	}

	size := len(result.Body)
	fetchLog := &entity.FetchLog{
		FeedID:     feed.ID,
		StatusCode: result.StatusCode,
		DurationMS: durationMS(result.Elapsed),
		Bytes:      &size,
	}
	inserted, err := p.repository.ApplyFetchResult(ctx, feed, items, fetchLog)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		p.metrics.FetchDone(metrics.OutcomeError, result.Elapsed)
		p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusError, err.Error()))
		return fmt.Errorf("couldn't store fetch result for feed %v, %w", feed.ID, err)
	}
	p.metrics.FetchDone(metrics.OutcomeOK, result.Elapsed)
	p.metrics.ItemsInserted(inserted)
	p.logger.Info("Successfully updated feed ", feed.ID, " with ", inserted, " new items")
	p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusOK, ""))
	if inserted > 0 {
		p.publisher.Publish(ctx, messaging.NewNewItemsEvent(feed.ID, inserted))
	}
	return nil
}

// recordFailure stores an error outcome. Caching headers stay untouched
// so the next attempt revalidates against the same values.
func (p *Processor) recordFailure(ctx context.Context, feed *entity.Feed, fetchedAt time.Time, fetchLog *entity.FetchLog, elapsed time.Duration) error {
	p.metrics.FetchDone(metrics.OutcomeError, elapsed)
	p.logger.Warn("Fetch of feed ", feed.URL, " failed: ", fetchLog.Error)
	if err := p.repository.RecordFetchOutcome(ctx, feed.ID, fetchedAt, fetchLog); err != nil {
		p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusError, err.Error()))
		return fmt.Errorf("couldn't record fetch outcome for feed %v, %w", feed.ID, err)
	}
	p.publisher.Publish(ctx, messaging.NewFetchStatusEvent(feed.ID, messaging.StatusError, fetchLog.Error))
	return nil
}

// buildItems turns parsed entries into rows ready for insert: identity
// derivation, store-side dedup, optional enrichment, sanitization,
// hashing. Entries without identity and already-stored GUIDs drop out.
func (p *Processor) buildItems(ctx context.Context, feed *entity.Feed, parsed *gofeed.Feed, fetchedAt time.Time) []entity.Item {
	candidates := make([]candidate, 0, len(parsed.Items))
	guids := make([]string, 0, len(parsed.Items))
	seen := make(map[string]struct{}, len(parsed.Items))
	for _, entry := range parsed.Items {
		c, ok := normalizeEntry(entry)
		if !ok {
			p.logger.Debug("Skipping entry without identity in feed ", feed.ID)
			continue
		}
		if _, dup := seen[c.guid]; dup {
			continue
		}
		seen[c.guid] = struct{}{}
		candidates = append(candidates, c)
		guids = append(guids, c.guid)
	}
	if len(candidates) == 0 {
		return nil
	}

	existing, err := p.repository.ExistingGUIDs(ctx, feed.ID, guids)
	if err != nil {
		p.logger.Warn("Dedup lookup for feed ", feed.ID, " failed, relying on insert conflicts: ", err)
		existing = map[string]struct{}{}
	}

	items := make([]entity.Item, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := existing[c.guid]; ok {
			continue
		}
		p.enrich(ctx, &c)
		id, err := uuid.NewV4()
		if err != nil {
			p.logger.Error("Couldn't allocate item id: ", err)
			continue
		}
		html := sanitizeHTML(c.html)
		items = append(items, entity.Item{
			ID:          id,
			FeedID:      feed.ID,
			GUID:        c.guid,
			Title:       c.title,
			URL:         c.link,
			ImageURL:    c.image,
			ContentHTML: html,
			ContentText: c.text,
			PublishedAt: c.published,
			FetchedAt:   fetchedAt,
			Hash:        contentHash(html, c.text, c.title, c.link),
		})
	}
	return items
}

// enrich replaces inline content with extracted article content when an
// engine is configured. Every failure keeps the inline values.
func (p *Processor) enrich(ctx context.Context, c *candidate) {
	if p.engine == nil || c.link == "" {
		return
	}
	page, err := p.fetcher.FetchPage(ctx, c.link)
	if err != nil {
		p.logger.Debug("Article fetch for ", c.link, " failed, keeping inline content: ", err)
		return
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		p.logger.Debug("Article fetch for ", c.link, " returned ", page.StatusCode, ", keeping inline content")
		return
	}
	html, text, err := p.engine.Extract(ctx, page.Body, c.link)
	if err != nil {
		p.logger.Debug("Content extraction for ", c.link, " failed, keeping inline content: ", err)
		return
	}
	if html != "" {
		c.html = html
	}
	if text != "" {
		c.text = text
	}
}

func durationMS(elapsed time.Duration) int {
	return int(elapsed.Milliseconds())
}

func (p *Processor) setupTracingSpan(ctx context.Context, name string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, p.tracer, name)
	span.SetTag("component", "pipeline")
	return span, ctx
}
