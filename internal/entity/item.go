package entity

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// Item is the persisted normalization of one feed entry. Fields are
// immutable after insert; (FeedID, GUID) is unique.
type Item struct {
	ID          uuid.UUID  `json:"id"`
	FeedID      uuid.UUID  `json:"feed_id"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	ContentHTML string     `json:"content_html,omitempty"`
	ContentText string     `json:"content_text,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	// Hash is the sha256 hex fingerprint of the item content, used for
	// idempotency checks downstream. Identity stays (FeedID, GUID).
	Hash string `json:"hash"`
}

func (i *Item) String() string {
	return fmt.Sprintf("ID: %v, FeedID: %v, GUID: %s", i.ID, i.FeedID, i.GUID)
}
