package pipeline

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

// Column capacities the normalizer truncates to.
const (
	maxGUIDBytes      = 512
	maxFeedTitleBytes = 512
	maxTitleBytes     = 1024
	maxURLBytes       = 2048
)

// ugcPolicy strips scripts and event handlers from stored HTML. Safe
// for concurrent use once built.
var ugcPolicy = bluemonday.UGCPolicy()

// candidate is one parsed entry on its way to becoming an Item.
type candidate struct {
	guid      string
	title     string
	link      string
	image     string
	html      string
	text      string
	published *time.Time
}

// normalizeEntry maps a parsed entry to a candidate. The second return
// is false for entries without any identity basis, which are dropped.
func normalizeEntry(item *gofeed.Item) (candidate, bool) {
	guid := entryGUID(item)
	if guid == "" {
		return candidate{}, false
	}
	html := item.Content
	if html == "" {
		html = item.Description
	}
	c := candidate{
		guid:      guid,
		title:     truncateBytes(item.Title, maxTitleBytes),
		link:      truncateBytes(item.Link, maxURLBytes),
		html:      html,
		published: entryPublished(item),
	}
	c.image = truncateBytes(entryImage(item, html), maxURLBytes)
	return c, true
}

// entryGUID derives the stable identity of an entry: the explicit id,
// else the link, else a digest over title plus the raw published
// string. Entries carrying none of these have no identity.
func entryGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return truncateBytes(item.GUID, maxGUIDBytes)
	}
	if item.Link != "" {
		return truncateBytes(item.Link, maxGUIDBytes)
	}
	if item.Title == "" {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(item.Title+item.Published)))
}

// entryPublished prefers the canonical published timestamp and falls
// back to updated. Unparseable dates leave the item undated.
func entryPublished(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		return &t
	}
	if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		return &t
	}
	return nil
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

func hasImageExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// entryImage picks the entry image by source priority: media
// thumbnails, image-typed enclosures, image-looking links, media
// content, finally the first img tag of the inline HTML. gofeed keeps
// no MIME type on plain links, so those are matched by file extension.
func entryImage(item *gofeed.Item, inlineHTML string) string {
	for _, ref := range mediaRefs(item, "thumbnail") {
		if ref.url != "" {
			return ref.url
		}
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	for _, link := range item.Links {
		if hasImageExtension(link) {
			return link
		}
	}
	for _, ref := range mediaRefs(item, "content") {
		if ref.url == "" {
			continue
		}
		if strings.HasPrefix(ref.typ, "image/") || ref.medium == "image" {
			return ref.url
		}
	}
	return firstInlineImage(inlineHTML)
}

// firstInlineImage returns the src of the first img element in the
// given HTML fragment.
func firstInlineImage(contentHTML string) string {
	if contentHTML == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(contentHTML))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return src
}

// contentHash fingerprints the first non-empty content field. It
// versions the payload; the dedup identity stays (feed_id, guid).
func contentHash(html, text, title, link string) string {
	content := html
	if content == "" {
		content = text
	}
	if content == "" {
		content = title
	}
	if content == "" {
		content = link
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

func sanitizeHTML(html string) string {
	if html == "" {
		return ""
	}
	return ugcPolicy.Sanitize(html)
}

// truncateBytes caps s at limit bytes without splitting a UTF-8
// sequence.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
