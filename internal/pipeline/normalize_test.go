package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	gofeedext "github.com/mmcdole/gofeed/extensions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mediaExtension(element, url string, attrs map[string]string) gofeedext.Extensions {
	ext := gofeedext.Extension{Name: element, Attrs: map[string]string{"url": url}}
	for k, v := range attrs {
		ext.Attrs[k] = v
	}
	return gofeedext.Extensions{
		"media": {element: []gofeedext.Extension{ext}},
	}
}

func TestEntryGUID(t *testing.T) {
	tests := []struct {
		name string
		item *gofeed.Item
		want string
	}{
		{
			name: "explicit id wins",
			item: &gofeed.Item{GUID: "urn:a", Link: "https://example.com/a", Title: "A"},
			want: "urn:a",
		},
		{
			name: "link is second choice",
			item: &gofeed.Item{Link: "https://example.com/a", Title: "A"},
			want: "https://example.com/a",
		},
		{
			name: "digest of title plus raw published string",
			item: &gofeed.Item{Title: "Hello", Published: "2025-01-19T12:00:00Z"},
			want: "bf4c8d957ce8ff813dbc2337b56df5848208be90e472414a1d55b02a89d9ca15",
		},
		{
			name: "no identity basis",
			item: &gofeed.Item{Description: "body only"},
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, entryGUID(tc.item))
		})
	}
}

func TestEntryGUIDTruncatesLongIdentifiers(t *testing.T) {
	long := strings.Repeat("x", 600)
	guid := entryGUID(&gofeed.Item{GUID: long})
	assert.Len(t, guid, maxGUIDBytes)
	assert.Equal(t, long[:maxGUIDBytes], guid)
}

func TestEntryImagePriority(t *testing.T) {
	tests := []struct {
		name string
		item *gofeed.Item
		html string
		want string
	}{
		{
			name: "media thumbnail first",
			item: &gofeed.Item{
				Extensions: mediaExtension("thumbnail", "https://img.example.com/thumb.png", nil),
				Enclosures: []*gofeed.Enclosure{{URL: "https://img.example.com/enc.png", Type: "image/png"}},
			},
			want: "https://img.example.com/thumb.png",
		},
		{
			name: "image enclosure second",
			item: &gofeed.Item{
				Enclosures: []*gofeed.Enclosure{
					{URL: "https://cdn.example.com/audio.mp3", Type: "audio/mpeg"},
					{URL: "https://cdn.example.com/pic.png", Type: "image/png"},
				},
			},
			want: "https://cdn.example.com/pic.png",
		},
		{
			name: "image-looking link third",
			item: &gofeed.Item{
				Links: []string{"https://example.com/article", "https://example.com/cover.JPG"},
			},
			want: "https://example.com/cover.JPG",
		},
		{
			name: "media content fourth",
			item: &gofeed.Item{
				Extensions: mediaExtension("content", "https://img.example.com/full.jpg", map[string]string{"medium": "image"}),
			},
			want: "https://img.example.com/full.jpg",
		},
		{
			name: "inline img tag last",
			item: &gofeed.Item{},
			html: `<p>text</p><img src="https://example.com/inline.gif" alt=""><img src="https://example.com/second.gif">`,
			want: "https://example.com/inline.gif",
		},
		{
			name: "nothing found",
			item: &gofeed.Item{},
			html: "<p>plain paragraph</p>",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, entryImage(tc.item, tc.html))
		})
	}
}

func TestNormalizeEntryPrefersContentOverDescription(t *testing.T) {
	c, ok := normalizeEntry(&gofeed.Item{
		GUID:        "urn:a",
		Title:       "A",
		Content:     "<p>full content</p>",
		Description: "summary",
	})
	require.True(t, ok)
	assert.Equal(t, "<p>full content</p>", c.html)

	c, ok = normalizeEntry(&gofeed.Item{GUID: "urn:b", Description: "summary only"})
	require.True(t, ok)
	assert.Equal(t, "summary only", c.html)
}

func TestNormalizeEntryPublishedFallsBackToUpdated(t *testing.T) {
	published := time.Date(2025, 1, 19, 12, 0, 0, 0, time.UTC)
	updated := time.Date(2025, 2, 1, 8, 30, 0, 0, time.UTC)

	c, ok := normalizeEntry(&gofeed.Item{GUID: "urn:a", PublishedParsed: &published, UpdatedParsed: &updated})
	require.True(t, ok)
	require.NotNil(t, c.published)
	assert.Equal(t, published, *c.published)

	c, ok = normalizeEntry(&gofeed.Item{GUID: "urn:b", UpdatedParsed: &updated})
	require.True(t, ok)
	require.NotNil(t, c.published)
	assert.Equal(t, updated, *c.published)

	c, ok = normalizeEntry(&gofeed.Item{GUID: "urn:c"})
	require.True(t, ok)
	assert.Nil(t, c.published)
}

func TestContentHashUsesFirstNonEmptyField(t *testing.T) {
	// sha256("inline body")
	const inlineDigest = "effc3d0e9cf592ee118099dbe9b08b22a034b8d1384e9f9d53314ec8635551ea"

	assert.Equal(t, inlineDigest, contentHash("inline body", "text", "title", "url"))
	assert.Equal(t, inlineDigest, contentHash("", "inline body", "title", "url"))
	assert.Equal(t, inlineDigest, contentHash("", "", "inline body", "url"))
	assert.Equal(t, inlineDigest, contentHash("", "", "", "inline body"))
	assert.NotEqual(t, contentHash("a", "", "", ""), contentHash("b", "", "", ""))
}

func TestSanitizeHTMLStripsScripts(t *testing.T) {
	clean := sanitizeHTML(`<p onclick="evil()">ok</p><script>alert(1)</script>`)
	assert.Contains(t, clean, "<p>ok</p>")
	assert.NotContains(t, clean, "script")
	assert.NotContains(t, clean, "onclick")
}

func TestTruncateBytesKeepsValidUTF8(t *testing.T) {
	assert.Equal(t, "short", truncateBytes("short", 10))

	// "héllo" truncated inside the two-byte é keeps only "h".
	assert.Equal(t, "h", truncateBytes("héllo", 2))
	assert.Equal(t, "hé", truncateBytes("héllo", 3))
}
