package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gleaner-app/gleaner/internal/entity"
	opentracing "github.com/opentracing/opentracing-go"
	otLog "github.com/opentracing/opentracing-go/log"

	"go.uber.org/zap"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/log/zapadapter"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Config defines database configuration, usable for Viper
type Config struct {
	Name           string `mapstructure:"name"`
	Hostname       string `mapstructure:"hostname"`
	Port           string `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"sslmode"`
	LogLevel       string `mapstructure:"log_level"`
	MinConnections int32  `mapstructure:"min_connections"`
	MaxConnections int32  `mapstructure:"max_connections"`
}

func (c *Config) dataSource() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username,
		c.Password,
		c.Hostname,
		c.Port,
		c.Name,
		c.SSLMode)
}

type Repository struct {
	pool   *pgxpool.Pool
	tracer opentracing.Tracer
}

func NewZapLogger(logger *zap.Logger) *zapadapter.Logger {
	return zapadapter.NewLogger(logger)
}

// New creates database pool configuration
func New(databaseConfig *Config, logger pgx.Logger, tracer opentracing.Tracer) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseConfig.dataSource())
	if err != nil {
		return nil, err
	}
	poolConfig.ConnConfig.Logger = logger
	logLevelMapping := map[string]pgx.LogLevel{
		"trace": pgx.LogLevelTrace,
		"debug": pgx.LogLevelDebug,
		"info":  pgx.LogLevelInfo,
		"warn":  pgx.LogLevelWarn,
		"error": pgx.LogLevelError,
	}
	poolConfig.ConnConfig.LogLevel = logLevelMapping[databaseConfig.LogLevel]
	poolConfig.MaxConns = databaseConfig.MaxConnections
	poolConfig.MinConns = databaseConfig.MinConnections

	pool, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, err
	}
	return &Repository{pool: pool, tracer: tracer}, nil
}

// Close releases the underlying connection pool.
func (repository *Repository) Close() {
	repository.pool.Close()
}

const feedColumns = "id, url, COALESCE(title, ''), COALESCE(etag, ''), COALESCE(last_modified, $1), COALESCE(last_fetch_at, $1), COALESCE(last_status, 0), next_run_at, interval_seconds, per_host_key, created_at"

func scanFeed(row pgx.Row, f *entity.Feed) error {
	return row.Scan(&f.ID, &f.URL, &f.Title, &f.ETag, &f.LastModified, &f.LastFetchAt, &f.LastStatus, &f.NextRunAt, &f.IntervalSeconds, &f.PerHostKey, &f.CreatedAt)
}

func (repository *Repository) Create(ctx context.Context, f *entity.Feed) error {
	query := "insert into feeds (id, url, title, next_run_at, interval_seconds, per_host_key, created_at) values ($1, $2, $3, $4, $5, $6, $7)"
	span, ctx := repository.setupTracingSpan(ctx, "create-feed", query)
	defer span.Finish()
	_, err := repository.pool.Exec(ctx, query, f.ID, f.URL, f.Title, f.NextRunAt, f.IntervalSeconds, f.PerHostKey, f.CreatedAt)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
	} else {
		span.LogKV("event", "created feed")
	}
	return err
}

func (repository *Repository) Update(ctx context.Context, f *entity.Feed) error {
	query := "update feeds set url=$1, title=$2, interval_seconds=$3, per_host_key=$4 where id=$5"
	span, ctx := repository.setupTracingSpan(ctx, "update-feed", query)
	defer span.Finish()
	_, err := repository.pool.Exec(ctx, query, f.URL, f.Title, f.IntervalSeconds, f.PerHostKey, f.ID)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
	} else {
		span.LogKV("event", "updated feed")
	}
	return err
}

// Delete removes a feed; its items, read state and fetch log go with it
// through the ON DELETE CASCADE constraints.
func (repository *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	query := "delete from feeds where id=$1"
	span, ctx := repository.setupTracingSpan(ctx, "delete-feed", query)
	defer span.Finish()
	span.LogKV("feedID", id)
	result, err := repository.pool.Exec(ctx, query, id)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if result.RowsAffected() != 1 {
		span.LogKV("event", "didn't find the feed to delete")
		return errors.New(fmt.Sprint("feeds delete from db execution didn't delete record for id ", id))
	}

	span.LogKV("event", "deleted feed")
	return err
}

func (repository *Repository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Feed, error) {
	query := "select " + feedColumns + " from feeds where id=$2"
	span, ctx := repository.setupTracingSpan(ctx, "get-feed-by-id", query)
	defer span.Finish()

	f := &entity.Feed{}
	err := scanFeed(repository.pool.QueryRow(ctx, query, time.Time{}, id), f)
	if err != nil && err == pgx.ErrNoRows {
		span.LogKV("event", "feed not found")
		return nil, nil
	}
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)

		return nil, err
	}
	span.LogKV("event", "got feed")
	return f, nil
}

func (repository *Repository) GetByURL(ctx context.Context, url string) (*entity.Feed, error) {
	query := "select " + feedColumns + " from feeds where url=$2"
	span, ctx := repository.setupTracingSpan(ctx, "get-feed-by-url", query)
	defer span.Finish()

	f := &entity.Feed{}
	err := scanFeed(repository.pool.QueryRow(ctx, query, time.Time{}, url), f)
	if err != nil && err == pgx.ErrNoRows {
		span.LogKV("event", "feed not found")
		return nil, nil
	}
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	span.LogKV("event", "got feed")
	return f, nil
}

func (repository *Repository) GetAll(ctx context.Context) ([]entity.Feed, error) {
	query := "select " + feedColumns + " from feeds order by created_at, id"
	span, ctx := repository.setupTracingSpan(ctx, "repository-feeds-get-all", query)
	defer span.Finish()
	rows, err := repository.pool.Query(ctx, query, time.Time{})
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	span.LogKV("event", "query DB for all feeds")
	defer rows.Close()

	feeds := []entity.Feed{}
	for rows.Next() {
		f := entity.Feed{}
		if err := scanFeed(rows, &f); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	span.LogKV("feeds number", len(feeds))

	return feeds, nil
}

// PromoteDueFeeds claims up to limit feeds whose next_run_at has passed,
// hands each to enqueue and advances its schedule in the same
// transaction. SKIP LOCKED keeps concurrent schedulers from claiming the
// same rows. A feed whose enqueue fails keeps its old next_run_at and
// surfaces again on the following tick.
func (repository *Repository) PromoteDueFeeds(ctx context.Context, now time.Time, limit int, enqueue func(context.Context, entity.Feed) error) (int, error) {
	query := "select id, url, interval_seconds from feeds where next_run_at <= $1 order by next_run_at, id limit $2 for update skip locked"
	span, ctx := repository.setupTracingSpan(ctx, "promote-due-feeds", query)
	defer span.Finish()

	tx, err := repository.pool.Begin(ctx)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	due := []entity.Feed{}
	for rows.Next() {
		f := entity.Feed{}
		if err := rows.Scan(&f.ID, &f.URL, &f.IntervalSeconds); err != nil {
			rows.Close()
			span.LogFields(
				otLog.Error(err),
			)
			return 0, err
		}
		due = append(due, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}

	advanceQuery := "update feeds set next_run_at=$1 where id=$2"
	scheduled := 0
	for _, f := range due {
		if err := enqueue(ctx, f); err != nil {
			span.LogKV("event", "enqueue failed, feed stays due", "feedID", f.ID, "error", err.Error())
			continue
		}
		if _, err := tx.Exec(ctx, advanceQuery, now.Add(f.Interval()), f.ID); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			return scheduled, err
		}
		scheduled++
	}
	if err := tx.Commit(ctx); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return scheduled, err
	}
	span.LogKV("event", "promoted due feeds", "scheduled", scheduled)
	return scheduled, nil
}

// MarkForRefresh moves one feed's next_run_at so the scheduler picks it
// up on its next tick.
func (repository *Repository) MarkForRefresh(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := "update feeds set next_run_at=$1 where id=$2"
	span, ctx := repository.setupTracingSpan(ctx, "mark-feed-for-refresh", query)
	defer span.Finish()
	result, err := repository.pool.Exec(ctx, query, at, id)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if result.RowsAffected() != 1 {
		span.LogKV("event", "didn't find the feed to refresh")
		return errors.New(fmt.Sprint("feeds refresh didn't update record for id ", id))
	}
	span.LogKV("event", "marked feed for refresh")
	return nil
}

// ResetSchedules moves every feed's next_run_at to the given time.
func (repository *Repository) ResetSchedules(ctx context.Context, at time.Time) (int64, error) {
	query := "update feeds set next_run_at=$1"
	span, ctx := repository.setupTracingSpan(ctx, "reset-feed-schedules", query)
	defer span.Finish()
	result, err := repository.pool.Exec(ctx, query, at)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	span.LogKV("event", "reset feed schedules", "feeds", result.RowsAffected())
	return result.RowsAffected(), nil
}

// ExistingGUIDs reports which of the candidate GUIDs are already stored
// for the feed, so the normalizer skips content extraction for them.
func (repository *Repository) ExistingGUIDs(ctx context.Context, feedID uuid.UUID, guids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(guids))
	if len(guids) == 0 {
		return existing, nil
	}
	query := "select guid from items where feed_id=$1 and guid = any($2)"
	span, ctx := repository.setupTracingSpan(ctx, "existing-item-guids", query)
	defer span.Finish()
	rows, err := repository.pool.Query(ctx, query, feedID, guids)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			return nil, err
		}
		existing[guid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	span.LogKV("existing number", len(existing))
	return existing, nil
}

// ApplyFetchResult stores one successful fetch atomically: item inserts
// with duplicates dropped on (feed_id, guid), the feed's caching and
// status columns, and the fetch_log record. Returns the number of newly
// inserted items. The feed title is only backfilled while the stored one
// is empty, so user renames survive in-flight fetches.
func (repository *Repository) ApplyFetchResult(ctx context.Context, f *entity.Feed, items []entity.Item, fetchLog *entity.FetchLog) (int, error) {
	span, ctx := repository.setupTracingSpan(ctx, "apply-fetch-result", "items batch insert, feeds update, fetch_log insert")
	defer span.Finish()

	tx, err := repository.pool.Begin(ctx)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	if len(items) > 0 {
		itemQuery := "insert into items (id, feed_id, guid, title, url, image_url, content_html, content_text, published_at, fetched_at, hash) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) on conflict (feed_id, guid) do nothing"
		batch := &pgx.Batch{}
		for _, item := range items {
			batch.Queue(itemQuery, item.ID, item.FeedID, item.GUID, item.Title, item.URL, item.ImageURL, item.ContentHTML, item.ContentText, item.PublishedAt, item.FetchedAt, item.Hash)
		}
		results := tx.SendBatch(ctx, batch)
		for range items {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				span.LogFields(
					otLog.Error(err),
				)
				return 0, err
			}
			inserted += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			return 0, err
		}
	}

	feedQuery := "update feeds set etag=$2, last_modified=$3, last_fetch_at=$4, last_status=$5, title = case when COALESCE(title, '') = '' and $6 <> '' then $6 else title end where id=$1"
	if _, err := tx.Exec(ctx, feedQuery, f.ID, f.ETag, f.LastModified, f.LastFetchAt, f.LastStatus, f.Title); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}

	if err := repository.insertFetchLog(ctx, tx, fetchLog); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	span.LogKV("event", "applied fetch result", "inserted", inserted)
	return inserted, nil
}

// RecordFetchOutcome stores a fetch attempt that produced no items: a
// 304 or a failure. Caching headers stay untouched so the next request
// revalidates against the same values.
func (repository *Repository) RecordFetchOutcome(ctx context.Context, feedID uuid.UUID, fetchedAt time.Time, fetchLog *entity.FetchLog) error {
	span, ctx := repository.setupTracingSpan(ctx, "record-fetch-outcome", "feeds status update, fetch_log insert")
	defer span.Finish()

	tx, err := repository.pool.Begin(ctx)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	defer tx.Rollback(ctx)

	query := "update feeds set last_fetch_at=$2, last_status=$3 where id=$1"
	if _, err := tx.Exec(ctx, query, feedID, fetchedAt, fetchLog.StatusCode); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if err := repository.insertFetchLog(ctx, tx, fetchLog); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	span.LogKV("event", "recorded fetch outcome", "status", fetchLog.StatusCode)
	return nil
}

func (repository *Repository) insertFetchLog(ctx context.Context, tx pgx.Tx, fetchLog *entity.FetchLog) error {
	query := "insert into fetch_log (feed_id, status_code, duration_ms, bytes, error) values ($1, $2, $3, $4, $5)"
	_, err := tx.Exec(ctx, query, fetchLog.FeedID, fetchLog.StatusCode, fetchLog.DurationMS, fetchLog.Bytes, fetchLog.Error)
	return err
}

// PurgeItems deletes every stored item. Read state rows go with them
// through the cascade; feeds and their schedules stay.
func (repository *Repository) PurgeItems(ctx context.Context) (int64, error) {
	query := "delete from items"
	span, ctx := repository.setupTracingSpan(ctx, "purge-items", query)
	defer span.Finish()
	result, err := repository.pool.Exec(ctx, query)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return 0, err
	}
	span.LogKV("event", "purged items", "items", result.RowsAffected())
	return result.RowsAffected(), nil
}

// ImportFeed inserts a feed unless its URL is already subscribed.
// Reports whether a row was created.
func (repository *Repository) ImportFeed(ctx context.Context, f *entity.Feed) (bool, error) {
	query := "insert into feeds (id, url, title, next_run_at, interval_seconds, per_host_key, created_at) values ($1, $2, $3, $4, $5, $6, $7) on conflict (url) do nothing"
	span, ctx := repository.setupTracingSpan(ctx, "import-feed", query)
	defer span.Finish()
	result, err := repository.pool.Exec(ctx, query, f.ID, f.URL, f.Title, f.NextRunAt, f.IntervalSeconds, f.PerHostKey, f.CreatedAt)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return false, err
	}
	created := result.RowsAffected() == 1
	span.LogKV("event", "imported feed", "created", created)
	return created, nil
}

// EnsureCategory returns the id of the category with the given title,
// creating it when missing.
func (repository *Repository) EnsureCategory(ctx context.Context, title string) (uuid.UUID, error) {
	query := "insert into categories (id, title) values ($1, $2) on conflict (title) do update set title=excluded.title returning id"
	span, ctx := repository.setupTracingSpan(ctx, "ensure-category", query)
	defer span.Finish()
	newID, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	if err := repository.pool.QueryRow(ctx, query, newID, title).Scan(&id); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return uuid.Nil, err
	}
	span.LogKV("event", "ensured category", "categoryID", id)
	return id, nil
}

// AssignCategory files a feed under a category. Repeated assignments
// are no-ops.
func (repository *Repository) AssignCategory(ctx context.Context, categoryID, feedID uuid.UUID) error {
	query := "insert into category_feeds (category_id, feed_id) values ($1, $2) on conflict do nothing"
	span, ctx := repository.setupTracingSpan(ctx, "assign-category", query)
	defer span.Finish()
	if _, err := repository.pool.Exec(ctx, query, categoryID, feedID); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return err
	}
	span.LogKV("event", "assigned category")
	return nil
}

// ListCategorizedFeeds returns every feed with its category title for
// OPML export. Feeds in several categories appear once per category.
func (repository *Repository) ListCategorizedFeeds(ctx context.Context) ([]entity.CategorizedFeed, error) {
	query := "select COALESCE(f.title, ''), f.url, COALESCE(c.title, '') from feeds f left join category_feeds cf on cf.feed_id = f.id left join categories c on c.id = cf.category_id order by f.created_at, f.id"
	span, ctx := repository.setupTracingSpan(ctx, "list-categorized-feeds", query)
	defer span.Finish()
	rows, err := repository.pool.Query(ctx, query)
	if err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	feeds := []entity.CategorizedFeed{}
	for rows.Next() {
		f := entity.CategorizedFeed{}
		if err := rows.Scan(&f.Title, &f.URL, &f.Category); err != nil {
			span.LogFields(
				otLog.Error(err),
			)
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		span.LogFields(
			otLog.Error(err),
		)
		return nil, err
	}
	span.LogKV("feeds number", len(feeds))
	return feeds, nil
}

// Healthcheck is needed for application healtchecks
func (repository *Repository) Healthcheck(ctx context.Context) error {
	var alive bool
	if err := repository.pool.QueryRow(ctx, "select true").Scan(&alive); err != nil {
		return err
	}
	return nil
}

func (repository *Repository) setupTracingSpan(ctx context.Context, name string, query string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, repository.tracer, name)
	span.SetTag("component", "repository")
	span.SetTag("db.type", "sql")
	span.SetTag("db.query", query)
	return span, ctx
}
