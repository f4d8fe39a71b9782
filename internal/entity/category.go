package entity

import (
	"github.com/gofrs/uuid"
)

// Category groups feeds many-to-many. The fetch pipeline never touches
// categories; they exist for OPML import/export grouping.
type Category struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}

// CategorizedFeed is one row of the export join: a feed together with
// the category it is filed under, empty when uncategorized.
type CategorizedFeed struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}
