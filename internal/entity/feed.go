package entity

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// Feed defines one periodically polled subscription.
type Feed struct {
	ID uuid.UUID `json:"id"`
	// URL of the feed document, unique across feeds
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	// ETag and LastModified hold the caching headers of the most recent
	// successful fetch and drive conditional GET requests.
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	// LastFetchAt/LastStatus describe the most recent fetch attempt,
	// successful or not.
	LastFetchAt time.Time `json:"last_fetch_at,omitempty"`
	LastStatus  int       `json:"last_status,omitempty"`
	// NextRunAt is advanced by the scheduler when the feed is promoted
	// into a job. Stored in UTC.
	NextRunAt       time.Time `json:"next_run_at"`
	IntervalSeconds int       `json:"interval_seconds"`
	// PerHostKey buckets politeness limits by the URL authority.
	PerHostKey string    `json:"per_host_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewFeed builds a feed row for the given source URL. The per-host key is
// derived from the URL authority; intervalSeconds of 0 keeps the caller's
// configured default.
func NewFeed(rawURL, title string, intervalSeconds int) (*Feed, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	hostKey, err := HostKey(rawURL)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Feed{
		ID:              id,
		URL:             rawURL,
		Title:           title,
		NextRunAt:       now,
		IntervalSeconds: intervalSeconds,
		PerHostKey:      hostKey,
		CreatedAt:       now,
	}, nil
}

// HostKey returns the politeness bucket for a URL: its lowercased
// authority (host with optional port).
func HostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cannot derive host key: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("cannot derive host key: url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// Interval returns the polling period as a duration.
func (f *Feed) Interval() time.Duration {
	return time.Duration(f.IntervalSeconds) * time.Second
}

func (f *Feed) String() string {
	return fmt.Sprintf("ID: %v, URL: %s, NextRunAt: %v, Interval: %ds", f.ID, f.URL, f.NextRunAt, f.IntervalSeconds)
}
