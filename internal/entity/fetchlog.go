package entity

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// FetchLog is the append-only audit record of one fetch attempt.
// StatusCode 0 means the transport failed before an HTTP status existed.
// Bytes is nil when no response body was read (errors, transport failures).
type FetchLog struct {
	ID         int64     `json:"id"`
	FeedID     uuid.UUID `json:"feed_id"`
	StatusCode int       `json:"status_code"`
	DurationMS int       `json:"duration_ms"`
	Bytes      *int      `json:"bytes,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (l *FetchLog) String() string {
	return fmt.Sprintf("FeedID: %v, Status: %d, Duration: %dms", l.FeedID, l.StatusCode, l.DurationMS)
}
