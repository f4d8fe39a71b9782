package opml

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="1.0">
  <head><title>subscriptions</title></head>
  <body>
    <outline type="rss" text="Go Blog" xmlUrl="https://go.dev/blog/feed.atom" htmlUrl="https://go.dev/blog"/>
    <outline text="News">
      <outline type="rss" title="Example News" xmlUrl="https://news.example.com/rss"/>
      <outline text="Nested">
        <outline type="rss" text="Deep Feed" xmlUrl="https://deep.example.com/feed"/>
      </outline>
    </outline>
  </body>
</opml>`

func TestParse(t *testing.T) {
	subs, err := Parse(strings.NewReader(sampleOPML))
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, Subscription{Title: "Go Blog", URL: "https://go.dev/blog/feed.atom"}, subs[0])
	assert.Equal(t, Subscription{Title: "Example News", URL: "https://news.example.com/rss", Category: "News"}, subs[1])
	// A folder inside a folder collapses onto the inner folder name.
	assert.Equal(t, Subscription{Title: "Deep Feed", URL: "https://deep.example.com/feed", Category: "Nested"}, subs[2])
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("not xml at all <"))
	assert.Error(t, err)
}

func TestBuildRoundTrip(t *testing.T) {
	in := []Subscription{
		{Title: "Loose", URL: "https://loose.example.com/feed"},
		{Title: "B Feed", URL: "https://b.example.com/rss", Category: "Tech"},
		{Title: "A Feed", URL: "https://a.example.com/rss", Category: "Tech"},
	}
	out, err := Build("gleaner export", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "<?xml"))

	subs, err := Parse(strings.NewReader(string(out)))
	require.NoError(t, err)
	require.Len(t, subs, 3)

	// Folders come before uncategorized entries and keep insertion order inside.
	assert.Equal(t, "Tech", subs[0].Category)
	assert.Equal(t, "B Feed", subs[0].Title)
	assert.Equal(t, "A Feed", subs[1].Title)
	assert.Equal(t, "", subs[2].Category)
	assert.Equal(t, "Loose", subs[2].Title)
}
