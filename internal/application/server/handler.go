package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otLog "github.com/opentracing/opentracing-go/log"

	"github.com/gofrs/uuid"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/gleaner-app/gleaner/internal/entity"
	"github.com/gleaner-app/gleaner/internal/messaging"
	"github.com/gleaner-app/gleaner/internal/opml"
)

// Handler provides http handlers
type Handler struct {
	logger          Logger
	repository      FeedsRepository
	producer        FetchJobProducer
	tracer          opentracing.Tracer
	defaultInterval int
}

// FetchJobProducer provides methods to enqueue feed fetch jobs via the messaging subsystem
type FetchJobProducer interface {
	Push(context.Context, *messaging.Job) error
}

// FeedsRepository defines repository methods used to manage feeds
type FeedsRepository interface {
	Create(context.Context, *entity.Feed) error
	Update(context.Context, *entity.Feed) error
	Delete(context.Context, uuid.UUID) error
	GetAll(context.Context) ([]entity.Feed, error)
	GetByID(context.Context, uuid.UUID) (*entity.Feed, error)
	GetByURL(context.Context, string) (*entity.Feed, error)
	MarkForRefresh(context.Context, uuid.UUID, time.Time) error
	ResetSchedules(context.Context, time.Time) (int64, error)
	PurgeItems(context.Context) (int64, error)
	ImportFeed(context.Context, *entity.Feed) (bool, error)
	EnsureCategory(context.Context, string) (uuid.UUID, error)
	AssignCategory(ctx context.Context, categoryID, feedID uuid.UUID) error
	ListCategorizedFeeds(context.Context) ([]entity.CategorizedFeed, error)
	Healthcheck(context.Context) error
}

// NewHandler creates http handler
func NewHandler(logger Logger, tracer opentracing.Tracer, feedRepository FeedsRepository, jobProducer FetchJobProducer, defaultIntervalSeconds int) *Handler {
	return &Handler{
		logger:          logger,
		repository:      feedRepository,
		producer:        jobProducer,
		tracer:          tracer,
		defaultInterval: defaultIntervalSeconds,
	}
}

type contextKey string

const feedContextKey contextKey = "feed"

// FeedResponse defines Feed response with Body and any additional headers
type FeedResponse struct {
	Body FeedResponseBody
}

// FeedResponseBody is returned on successfull operations to get, create or update feed.
type FeedResponseBody struct {
	*entity.Feed
}

// Render converts FeedResponseBody to json and sends it to client
func (fp *FeedResponse) Render(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, fp.Body)
}

// NewFeedResponse creates new response struct body for feed
func NewFeedResponse(f *entity.Feed) *FeedResponse {
	return &FeedResponse{Body: FeedResponseBody{
		Feed: f,
	}}
}

// Used as middleware to load an feed object from the URL parameters passed through as the request.
// If not found - 404
func (h *Handler) feedCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := h.setupTracingSpan(r, "retrieve-feed-middleware")
		defer span.Finish()

		feedIDParam := chi.URLParam(r, "feed_id")
		feedID, err := uuid.FromString(feedIDParam)
		if err != nil {
			ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
			span.LogFields(
				otLog.Error(err),
			)
			ErrInvalidRequest(fmt.Errorf("wrong UUID format: %w", err)).Render(w, r)
			return
		}
		span.SetTag("feed.ID", feedID.String())
		dbFeed, err := h.repository.GetByID(ctx, feedID)
		if err != nil {
			ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
			ErrInternal(err).Render(w, r)
			return
		}
		// empty result
		if dbFeed == nil {
			ext.HTTPStatusCode.Set(span, http.StatusNotFound)
			ErrNotFound.Render(w, r)
			return
		}
		span.LogKV("event", "got feed from repository")
		ctx = context.WithValue(ctx, feedContextKey, dbFeed)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FeedRequestBody defines data of create/update request body
type FeedRequestBody struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	IntervalSeconds int    `json:"interval_seconds"`
}

var isFetchableURL = validation.NewStringRuleWithError(
	func(value string) bool {
		if !govalidator.IsRequestURL(value) {
			return false
		}
		u, err := url.Parse(value)
		if err != nil {
			return false
		}
		scheme := strings.ToLower(u.Scheme)
		return (scheme == "http" || scheme == "https") && u.Host != ""
	},
	validation.NewError("validation_is_fetchable_url", "must be an absolute http or https URL"))

// Validate request body
func (b FeedRequestBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.URL, validation.Required, validation.Length(1, 2048), is.URL, isFetchableURL),
		validation.Field(&b.Title, validation.Length(0, 512)),
		validation.Field(&b.IntervalSeconds, validation.When(b.IntervalSeconds != 0, validation.Min(60))),
	)
}

// Bind implements Bind interface for chi Bind to map request body to request body struct
func (b *FeedRequestBody) Bind(r *http.Request) error {
	return b.Validate()
}

// Response with single feed
func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	span, _ := h.setupTracingSpan(r, "get-feed")
	defer span.Finish()
	dbFeed := r.Context().Value(feedContextKey).(*entity.Feed)
	ext.HTTPStatusCode.Set(span, http.StatusOK)
	span.LogKV("event", "got feed")
	NewFeedResponse(dbFeed).Render(w, r)
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if err := h.repository.Healthcheck(r.Context()); err != nil {
		h.logger.Error("Healthcheck: repository check failed with: ", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Repository is unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("."))
}

func (h *Handler) createFeed(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "create-feed")
	defer span.Finish()
	body := new(FeedRequestBody)
	if err := render.Bind(r, body); err != nil {
		h.logger.Error("Failure accepting input for creating feed with error: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		span.LogFields(
			otLog.Error(err),
		)
		ErrInvalidRequest(err).Render(w, r)
		return
	}
	if existing, err := h.repository.GetByURL(ctx, body.URL); err == nil && existing != nil {
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		ErrInvalidRequest(fmt.Errorf("feed with url %s already exists", body.URL)).Render(w, r)
		return
	}
	interval := body.IntervalSeconds
	if interval == 0 {
		interval = h.defaultInterval
	}
	f, err := entity.NewFeed(body.URL, body.Title, interval)
	if err != nil {
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		span.LogFields(
			otLog.Error(err),
		)
		ErrInvalidRequest(err).Render(w, r)
		return
	}
	if err := h.repository.Create(ctx, f); err != nil {
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	// return 201 on create
	ext.HTTPStatusCode.Set(span, http.StatusCreated)
	span.LogKV("event", "created feed")
	render.Status(r, http.StatusCreated)
	NewFeedResponse(f).Render(w, r)
}

func (h *Handler) updateFeed(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "update-feed")
	defer span.Finish()
	dbFeed := r.Context().Value(feedContextKey).(*entity.Feed)

	body := new(FeedRequestBody)
	body.URL = dbFeed.URL
	body.Title = dbFeed.Title
	body.IntervalSeconds = dbFeed.IntervalSeconds
	if err := render.Bind(r, body); err != nil {
		h.logger.Error("Failure accepting input for updating feed ", dbFeed.ID, " with error: ", err)
		ErrInvalidRequest(err).Render(w, r)
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		span.LogFields(
			otLog.Error(err),
		)
		return
	}
	hostKey, err := entity.HostKey(body.URL)
	if err != nil {
		ErrInvalidRequest(err).Render(w, r)
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		return
	}
	dbFeed.URL = body.URL
	dbFeed.Title = body.Title
	dbFeed.PerHostKey = hostKey
	if body.IntervalSeconds != 0 {
		dbFeed.IntervalSeconds = body.IntervalSeconds
	} else {
		dbFeed.IntervalSeconds = h.defaultInterval
	}
	if err := h.repository.Update(ctx, dbFeed); err != nil {
		h.logger.Error("Failure updating feed ", dbFeed.ID, " in repository with error: ", err)
		ErrInternal(err).Render(w, r)
		return
	}
	h.logger.Debug("Updated feed: ", dbFeed)
	span.LogKV("event", "updated feed")
	ext.HTTPStatusCode.Set(span, http.StatusOK)
	render.Status(r, http.StatusOK)
	NewFeedResponse(dbFeed).Render(w, r)
}

func (h *Handler) deleteFeed(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-delete-feed")
	defer span.Finish()
	dbFeed := r.Context().Value(feedContextKey).(*entity.Feed)

	if err := h.repository.Delete(ctx, dbFeed.ID); err != nil {
		h.logger.Error("Failure deleting feed ", dbFeed.ID, " with error: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	span.LogKV("event", "deleted feed")
	ext.HTTPStatusCode.Set(span, http.StatusNoContent)
	render.NoContent(w, r)
}

func (h *Handler) refreshFeed(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-refresh-feed")
	defer span.Finish()

	dbFeed := r.Context().Value(feedContextKey).(*entity.Feed)
	now := time.Now().UTC()
	if err := h.repository.MarkForRefresh(ctx, dbFeed.ID, now); err != nil {
		h.logger.Error("Failure marking feed ", dbFeed.ID, " for refresh: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	if err := h.pushJob(ctx, dbFeed, now); err != nil {
		h.logger.Error("Failure enqueueing refresh for feed ", dbFeed.ID, ": ", err)
		ErrInternal(err).Render(w, r)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		span.LogFields(
			otLog.Error(err),
		)
		return
	}
	h.logger.Debug("Enqueued refresh for feed: ", dbFeed.ID)
	span.LogKV("event", "enqueued refresh for one feed")
	ext.HTTPStatusCode.Set(span, http.StatusNoContent)
	render.NoContent(w, r)
}

func (h *Handler) refreshAllFeeds(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-refresh-all-feeds")
	defer span.Finish()
	now := time.Now().UTC()
	reset, err := h.repository.ResetSchedules(ctx, now)
	if err != nil {
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		span.LogFields(
			otLog.Error(err),
		)
		ErrInternal(err).Render(w, r)
		return
	}
	if pushed, err := h.fanOutJobs(ctx, now); err != nil {
		// Feeds stay due, the scheduler re-promotes whatever was not pushed.
		h.logger.Warn("Refresh fan-out incomplete, pushed ", pushed, " of ", reset, " jobs: ", err)
	}
	h.logger.Debug("Reset schedules for ", reset, " feeds")
	span.LogKV("event", "enqueued refresh for all feeds")
	ext.HTTPStatusCode.Set(span, http.StatusNoContent)
	render.NoContent(w, r)
}

// PurgeResponseBody reports the effect of a maintenance purge.
type PurgeResponseBody struct {
	PurgedItems    int64 `json:"purged_items"`
	RefreshedFeeds int64 `json:"refreshed_feeds"`
}

func (h *Handler) purgeItems(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-maintenance-purge")
	defer span.Finish()
	purged, err := h.repository.PurgeItems(ctx)
	if err != nil {
		h.logger.Error("Failure purging items: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		span.LogFields(
			otLog.Error(err),
		)
		ErrInternal(err).Render(w, r)
		return
	}
	now := time.Now().UTC()
	reset, err := h.repository.ResetSchedules(ctx, now)
	if err != nil {
		h.logger.Error("Failure resetting schedules after purge: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	if pushed, err := h.fanOutJobs(ctx, now); err != nil {
		h.logger.Warn("Post-purge fan-out incomplete, pushed ", pushed, " of ", reset, " jobs: ", err)
	}
	span.LogFields(
		otLog.Int64("purgedItems", purged),
		otLog.Int64("refreshedFeeds", reset),
	)
	span.LogKV("event", "purged items")
	render.JSON(w, r, PurgeResponseBody{PurgedItems: purged, RefreshedFeeds: reset})
}

func (h *Handler) pushJob(ctx context.Context, f *entity.Feed, scheduledAt time.Time) error {
	job, err := messaging.NewJob(f, scheduledAt)
	if err != nil {
		return err
	}
	return h.producer.Push(ctx, job)
}

// fanOutJobs enqueues one fetch job per registered feed. Returns the
// number of jobs pushed and the first error encountered; remaining
// feeds are left for the scheduler to re-surface.
func (h *Handler) fanOutJobs(ctx context.Context, scheduledAt time.Time) (int, error) {
	feeds, err := h.repository.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	for i := range feeds {
		if err := h.pushJob(ctx, &feeds[i], scheduledAt); err != nil {
			return i, err
		}
	}
	return len(feeds), nil
}

// ImportResponseBody reports counts of an OPML import.
type ImportResponseBody struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

func (h *Handler) importOPML(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-opml-import")
	defer span.Finish()

	subscriptions, err := opml.Parse(r.Body)
	if err != nil {
		h.logger.Error("Failure parsing OPML import: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusBadRequest)
		span.LogFields(
			otLog.Error(err),
		)
		ErrInvalidRequest(err).Render(w, r)
		return
	}
	now := time.Now().UTC()
	var imported, skipped int
	for _, subscription := range subscriptions {
		f, err := entity.NewFeed(subscription.URL, clipTitle(subscription.Title), h.defaultInterval)
		if err != nil {
			h.logger.Warn("Skipping OPML entry with unusable url ", subscription.URL, ": ", err)
			skipped++
			continue
		}
		// Imported feeds are swept up by the scheduler shortly after the
		// import response returns.
		f.NextRunAt = now.Add(5 * time.Second)
		inserted, err := h.repository.ImportFeed(ctx, f)
		if err != nil {
			h.logger.Error("Failure importing feed ", subscription.URL, ": ", err)
			ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
			ErrInternal(err).Render(w, r)
			return
		}
		if !inserted {
			skipped++
			continue
		}
		imported++
		if subscription.Category == "" {
			continue
		}
		categoryID, err := h.repository.EnsureCategory(ctx, subscription.Category)
		if err != nil {
			h.logger.Warn("Failure ensuring category ", subscription.Category, ": ", err)
			continue
		}
		if err := h.repository.AssignCategory(ctx, categoryID, f.ID); err != nil {
			h.logger.Warn("Failure assigning feed ", f.ID, " to category ", subscription.Category, ": ", err)
		}
	}
	span.LogFields(
		otLog.Int("imported", imported),
		otLog.Int("skipped", skipped),
	)
	span.LogKV("event", "imported OPML")
	render.JSON(w, r, ImportResponseBody{Imported: imported, Skipped: skipped})
}

func (h *Handler) exportOPML(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-opml-export")
	defer span.Finish()

	rows, err := h.repository.ListCategorizedFeeds(ctx)
	if err != nil {
		h.logger.Error("Failure reading feeds for OPML export: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	subscriptions := make([]opml.Subscription, len(rows))
	for i, row := range rows {
		subscriptions[i] = opml.Subscription{Title: row.Title, URL: row.URL, Category: row.Category}
	}
	payload, err := opml.Build("Gleaner subscriptions", time.Now().UTC(), subscriptions)
	if err != nil {
		h.logger.Error("Failure building OPML export: ", err)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		ErrInternal(err).Render(w, r)
		return
	}
	span.LogFields(
		otLog.Int("feedsNumber", len(subscriptions)),
	)
	span.LogKV("event", "exported OPML")
	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subscriptions.opml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// clipTitle caps imported titles at the stored column size without
// splitting a UTF-8 sequence.
func clipTitle(title string) string {
	if len(title) <= 512 {
		return title
	}
	cut := title[:512]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// Returns feeds entries
func (h *Handler) getFeeds(w http.ResponseWriter, r *http.Request) {
	span, ctx := h.setupTracingSpan(r, "serve-get-all-feeds")
	defer span.Finish()

	dbFeeds, err := h.repository.GetAll(ctx)
	span.LogKV("event", "got feeds from repository")
	if err != nil {
		h.logger.Error("Failure reading feeds from database: ", err)
		ErrInternal(fmt.Errorf("failure reading feeds from database")).Render(w, r)
		ext.HTTPStatusCode.Set(span, http.StatusInternalServerError)
		return
	}
	feedsResponse := make([]FeedResponseBody, len(dbFeeds))
	for i := 0; i < len(dbFeeds); i++ {
		feedsResponse[i] = NewFeedResponse(&dbFeeds[i]).Body
	}
	span.LogKV("event", "populated response feeds slice")
	span.LogFields(
		otLog.Int("feedsNumber", len(dbFeeds)),
	)
	render.JSON(w, r, feedsResponse)
}

func (h *Handler) setupTracingSpan(r *http.Request, name string) (opentracing.Span, context.Context) {
	// we ignore error since if there are missing headers it will start new trace
	spanContext, _ := h.tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(r.Header))
	span := h.tracer.StartSpan(name, ext.RPCServerOption(spanContext))
	ctx := opentracing.ContextWithSpan(r.Context(), span)
	ext.Component.Set(span, "httpServer-chi")
	ext.HTTPMethod.Set(span, r.Method)
	ext.HTTPUrl.Set(span, r.URL.String())
	return span, ctx
}
