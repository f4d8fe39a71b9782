package messaging

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/gleaner-app/gleaner/internal/entity"
)

// Job is the payload carried on the jobs queue. URL is advisory; the
// worker re-reads the feed row and drops jobs whose feed is gone.
type Job struct {
	JobID       uuid.UUID `json:"job_id"`
	FeedID      uuid.UUID `json:"feed_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	URL         string    `json:"url,omitempty"`
}

// NewJob builds a queue job for one feed fetch.
func NewJob(feed *entity.Feed, scheduledAt time.Time) (*Job, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &Job{
		JobID:       id,
		FeedID:      feed.ID,
		ScheduledAt: scheduledAt.UTC(),
		URL:         feed.URL,
	}, nil
}

// Event types published on the events channel.
const (
	EventConnected   = "connected"
	EventHeartbeat   = "heartbeat"
	EventFetchStatus = "fetch_status"
	EventNewItems    = "new_items"
)

// Fetch status values carried by fetch_status events.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is the single wire shape for the events channel. Timestamp is
// always ISO-8601 in UTC.
type Event struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// FetchStatusData reports the outcome of one feed fetch.
type FetchStatusData struct {
	FeedID  uuid.UUID `json:"feed_id"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
}

// NewItemsData reports how many items a fetch inserted.
type NewItemsData struct {
	FeedID uuid.UUID `json:"feed_id"`
	Count  int       `json:"count"`
}

func newEvent(eventType string, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// NewConnectedEvent announces a publisher attaching to the bus.
func NewConnectedEvent() *Event {
	return newEvent(EventConnected, nil)
}

// NewHeartbeatEvent keeps downstream relays aware the worker is alive.
func NewHeartbeatEvent() *Event {
	return newEvent(EventHeartbeat, nil)
}

// NewFetchStatusEvent reports a fetch outcome, status "ok" or "error".
func NewFetchStatusEvent(feedID uuid.UUID, status, message string) *Event {
	return newEvent(EventFetchStatus, FetchStatusData{FeedID: feedID, Status: status, Message: message})
}

// NewNewItemsEvent reports count freshly inserted items for a feed.
func NewNewItemsEvent(feedID uuid.UUID, count int) *Event {
	return newEvent(EventNewItems, NewItemsData{FeedID: feedID, Count: count})
}
