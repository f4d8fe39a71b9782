package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gleaner-app/gleaner/internal/entity"
	"github.com/gleaner-app/gleaner/internal/fetch"
	"github.com/gleaner-app/gleaner/internal/messaging"
	"github.com/gleaner-app/gleaner/internal/metrics"

	"github.com/gofrs/uuid"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const twoEntryFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <link>https://news.example.com</link>
    <item>
      <guid>urn:a</guid>
      <title>First</title>
      <link>https://news.example.com/a</link>
      <description>Alpha body</description>
      <pubDate>Sun, 19 Jan 2025 12:00:00 GMT</pubDate>
    </item>
    <item>
      <guid>urn:b</guid>
      <title>Second</title>
      <link>https://news.example.com/b</link>
      <description>Beta body</description>
    </item>
  </channel>
</rss>`

type fakeRepo struct {
	feed        *entity.Feed
	getErr      error
	existing    map[string]struct{}
	existingErr error

	appliedFeed  *entity.Feed
	appliedItems []entity.Item
	appliedLog   *entity.FetchLog
	applyErr     error

	outcomeLog *entity.FetchLog
	outcomeAt  time.Time
}

func (r *fakeRepo) GetByID(_ context.Context, _ uuid.UUID) (*entity.Feed, error) {
	return r.feed, r.getErr
}

func (r *fakeRepo) ExistingGUIDs(_ context.Context, _ uuid.UUID, _ []string) (map[string]struct{}, error) {
	if r.existing == nil {
		return map[string]struct{}{}, r.existingErr
	}
	return r.existing, r.existingErr
}

func (r *fakeRepo) ApplyFetchResult(_ context.Context, feed *entity.Feed, items []entity.Item, fetchLog *entity.FetchLog) (int, error) {
	if r.applyErr != nil {
		return 0, r.applyErr
	}
	r.appliedFeed = feed
	r.appliedItems = items
	r.appliedLog = fetchLog
	return len(items), nil
}

func (r *fakeRepo) RecordFetchOutcome(_ context.Context, _ uuid.UUID, fetchedAt time.Time, fetchLog *entity.FetchLog) error {
	r.outcomeLog = fetchLog
	r.outcomeAt = fetchedAt
	return nil
}

type fakeFetcher struct {
	result  *fetch.Result
	err     error
	page    *fetch.Result
	pageErr error

	fetchCalls int
	pageCalls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *entity.Feed) (*fetch.Result, error) {
	f.fetchCalls++
	return f.result, f.err
}

func (f *fakeFetcher) FetchPage(_ context.Context, pageURL string) (*fetch.Result, error) {
	f.pageCalls = append(f.pageCalls, pageURL)
	return f.page, f.pageErr
}

type capturingPublisher struct {
	events []*messaging.Event
}

func (p *capturingPublisher) Publish(_ context.Context, event *messaging.Event) {
	p.events = append(p.events, event)
}

func (p *capturingPublisher) types() []string {
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeFetchMetrics struct {
	outcomes []string
	inserted int
}

func (m *fakeFetchMetrics) FetchDone(outcome string, _ time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeFetchMetrics) ItemsInserted(count int) {
	m.inserted += count
}

type stubEngine struct {
	html string
	text string
	err  error
}

func (s *stubEngine) Extract(_ context.Context, _ []byte, _ string) (string, string, error) {
	return s.html, s.text, s.err
}

func (s *stubEngine) Name() string { return "stub" }

func testFeed(t *testing.T) *entity.Feed {
	t.Helper()
	feed, err := entity.NewFeed("https://news.example.com/feed", "", 900)
	require.NoError(t, err)
	return feed
}

func testJob(t *testing.T, feed *entity.Feed) *messaging.Job {
	t.Helper()
	job, err := messaging.NewJob(feed, time.Now().UTC())
	require.NoError(t, err)
	return job
}

func TestProcessJobDiscardsUnknownFeed(t *testing.T) {
	repo := &fakeRepo{feed: nil}
	fetcher := &fakeFetcher{}
	publisher := &capturingPublisher{}
	processor := NewProcessor(repo, fetcher, publisher, nil, &fakeFetchMetrics{}, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	feed := testFeed(t)
	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	assert.Zero(t, fetcher.fetchCalls)
	assert.Empty(t, publisher.events)
}

func TestProcessJobNotModified(t *testing.T) {
	feed := testFeed(t)
	feed.ETag = `W/"abc"`
	repo := &fakeRepo{feed: feed}
	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: 304, Elapsed: 120 * time.Millisecond}}
	publisher := &capturingPublisher{}
	fetchMetrics := &fakeFetchMetrics{}
	processor := NewProcessor(repo, fetcher, publisher, nil, fetchMetrics, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	require.NotNil(t, repo.outcomeLog)
	assert.Equal(t, 304, repo.outcomeLog.StatusCode)
	require.NotNil(t, repo.outcomeLog.Bytes)
	assert.Zero(t, *repo.outcomeLog.Bytes)
	assert.Empty(t, repo.outcomeLog.Error)
	assert.Nil(t, repo.appliedLog)
	assert.Equal(t, `W/"abc"`, feed.ETag)

	require.Len(t, publisher.events, 1)
	data := publisher.events[0].Data.(messaging.FetchStatusData)
	assert.Equal(t, messaging.StatusOK, data.Status)
	assert.Equal(t, "not modified", data.Message)
	assert.Equal(t, []string{metrics.OutcomeNotModified}, fetchMetrics.outcomes)
}

func TestProcessJobStoresNewItems(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	lastModified := time.Date(2025, 1, 19, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{result: &fetch.Result{
		StatusCode:   200,
		Body:         []byte(twoEntryFeed),
		ETag:         `W/"v2"`,
		LastModified: lastModified,
		Elapsed:      250 * time.Millisecond,
	}}
	publisher := &capturingPublisher{}
	fetchMetrics := &fakeFetchMetrics{}
	processor := NewProcessor(repo, fetcher, publisher, nil, fetchMetrics, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	require.Len(t, repo.appliedItems, 2)
	assert.Equal(t, "urn:a", repo.appliedItems[0].GUID)
	assert.Equal(t, "urn:b", repo.appliedItems[1].GUID)
	assert.Equal(t, "First", repo.appliedItems[0].Title)
	assert.Equal(t, "https://news.example.com/a", repo.appliedItems[0].URL)
	require.NotNil(t, repo.appliedItems[0].PublishedAt)
	assert.WithinDuration(t, time.Date(2025, 1, 19, 12, 0, 0, 0, time.UTC), *repo.appliedItems[0].PublishedAt, 0)
	assert.Nil(t, repo.appliedItems[1].PublishedAt)
	assert.Len(t, repo.appliedItems[0].Hash, 64)

	require.NotNil(t, repo.appliedLog)
	assert.Equal(t, 200, repo.appliedLog.StatusCode)
	require.NotNil(t, repo.appliedLog.Bytes)
	assert.Equal(t, len(twoEntryFeed), *repo.appliedLog.Bytes)

	assert.Equal(t, `W/"v2"`, feed.ETag)
	assert.Equal(t, lastModified, feed.LastModified)
	assert.Equal(t, 200, feed.LastStatus)
	assert.Equal(t, "Example Feed", feed.Title)

	assert.Equal(t, []string{messaging.EventFetchStatus, messaging.EventNewItems}, publisher.types())
	newItems := publisher.events[1].Data.(messaging.NewItemsData)
	assert.Equal(t, 2, newItems.Count)
	assert.Equal(t, []string{metrics.OutcomeOK}, fetchMetrics.outcomes)
	assert.Equal(t, 2, fetchMetrics.inserted)
}

func TestProcessJobDeduplicatesKnownGUIDs(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed, existing: map[string]struct{}{"urn:a": {}}}
	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: 200, Body: []byte(twoEntryFeed)}}
	publisher := &capturingPublisher{}
	processor := NewProcessor(repo, fetcher, publisher, nil, &fakeFetchMetrics{}, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	require.Len(t, repo.appliedItems, 1)
	assert.Equal(t, "urn:b", repo.appliedItems[0].GUID)

	require.Len(t, publisher.events, 2)
	newItems := publisher.events[1].Data.(messaging.NewItemsData)
	assert.Equal(t, 1, newItems.Count)
}

func TestProcessJobUnparseableFeed(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	body := []byte("definitely not a syndication document")
	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: 200, Body: body}}
	publisher := &capturingPublisher{}
	fetchMetrics := &fakeFetchMetrics{}
	processor := NewProcessor(repo, fetcher, publisher, nil, fetchMetrics, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	assert.Nil(t, repo.appliedLog)
	require.NotNil(t, repo.outcomeLog)
	assert.Equal(t, 200, repo.outcomeLog.StatusCode)
	assert.Contains(t, repo.outcomeLog.Error, "unparseable feed")
	require.NotNil(t, repo.outcomeLog.Bytes)
	assert.Equal(t, len(body), *repo.outcomeLog.Bytes)

	require.Len(t, publisher.events, 1)
	data := publisher.events[0].Data.(messaging.FetchStatusData)
	assert.Equal(t, messaging.StatusError, data.Status)
	assert.Equal(t, []string{metrics.OutcomeError}, fetchMetrics.outcomes)
}

func TestProcessJobTransportFailure(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	fetcher := &fakeFetcher{
		result: &fetch.Result{Elapsed: 80 * time.Millisecond},
		err:    errors.New("dial tcp: connection refused"),
	}
	publisher := &capturingPublisher{}
	fetchMetrics := &fakeFetchMetrics{}
	processor := NewProcessor(repo, fetcher, publisher, nil, fetchMetrics, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	require.NotNil(t, repo.outcomeLog)
	assert.Zero(t, repo.outcomeLog.StatusCode)
	assert.Nil(t, repo.outcomeLog.Bytes)
	assert.Contains(t, repo.outcomeLog.Error, "connection refused")

	require.Len(t, publisher.events, 1)
	data := publisher.events[0].Data.(messaging.FetchStatusData)
	assert.Equal(t, messaging.StatusError, data.Status)
	assert.Equal(t, []string{metrics.OutcomeError}, fetchMetrics.outcomes)
}

func TestProcessJobUnexpectedStatus(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: 503}}
	publisher := &capturingPublisher{}
	processor := NewProcessor(repo, fetcher, publisher, nil, &fakeFetchMetrics{}, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	assert.Nil(t, repo.appliedLog)
	require.NotNil(t, repo.outcomeLog)
	assert.Equal(t, 503, repo.outcomeLog.StatusCode)
	assert.Nil(t, repo.outcomeLog.Bytes)
	assert.Contains(t, repo.outcomeLog.Error, "unexpected HTTP status 503")
}

func TestProcessJobEnrichesNewItems(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	fetcher := &fakeFetcher{
		result: &fetch.Result{StatusCode: 200, Body: []byte(twoEntryFeed)},
		page:   &fetch.Result{StatusCode: 200, Body: []byte("<html><body><p>article</p></body></html>")},
	}
	engine := &stubEngine{html: "<p>rich content</p>", text: "rich content"}
	publisher := &capturingPublisher{}
	processor := NewProcessor(repo, fetcher, publisher, engine, &fakeFetchMetrics{}, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	assert.Equal(t, []string{"https://news.example.com/a", "https://news.example.com/b"}, fetcher.pageCalls)
	require.Len(t, repo.appliedItems, 2)
	assert.Contains(t, repo.appliedItems[0].ContentHTML, "rich content")
	assert.Equal(t, "rich content", repo.appliedItems[0].ContentText)
}

func TestProcessJobEnrichmentFailureKeepsInlineContent(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed}
	fetcher := &fakeFetcher{
		result:  &fetch.Result{StatusCode: 200, Body: []byte(twoEntryFeed)},
		pageErr: errors.New("context deadline exceeded"),
	}
	engine := &stubEngine{html: "<p>never used</p>"}
	publisher := &capturingPublisher{}
	processor := NewProcessor(repo, fetcher, publisher, engine, &fakeFetchMetrics{}, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.NoError(t, err)
	require.Len(t, repo.appliedItems, 2)
	assert.Contains(t, repo.appliedItems[0].ContentHTML, "Alpha body")
	assert.Contains(t, repo.appliedItems[1].ContentHTML, "Beta body")
}

func TestProcessJobStoreFailureEmitsErrorEvent(t *testing.T) {
	feed := testFeed(t)
	repo := &fakeRepo{feed: feed, applyErr: errors.New("commit failed")}
	fetcher := &fakeFetcher{result: &fetch.Result{StatusCode: 200, Body: []byte(twoEntryFeed)}}
	publisher := &capturingPublisher{}
	fetchMetrics := &fakeFetchMetrics{}
	processor := NewProcessor(repo, fetcher, publisher, nil, fetchMetrics, zap.NewNop().Sugar(), opentracing.NoopTracer{})

	err := processor.ProcessJob(context.Background(), testJob(t, feed))

	require.Error(t, err)
	require.Len(t, publisher.events, 1)
	data := publisher.events[0].Data.(messaging.FetchStatusData)
	assert.Equal(t, messaging.StatusError, data.Status)
	assert.Contains(t, data.Message, "commit failed")
	assert.Equal(t, []string{metrics.OutcomeError}, fetchMetrics.outcomes)
}
