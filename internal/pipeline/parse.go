package pipeline

import (
	"bytes"
	"fmt"

	"github.com/mmcdole/gofeed"
)

// parseFeed parses any syndication flavor gofeed understands (RSS,
// Atom, JSON Feed). gofeed only errors when nothing at all could be
// extracted, so an error here means "unparseable and empty"; partially
// malformed documents come back with whatever entries survived.
func parseFeed(body []byte) (*gofeed.Feed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unparseable feed: %w", err)
	}
	return parsed, nil
}

// mediaRef is one media RSS reference (thumbnail or content element).
type mediaRef struct {
	url    string
	typ    string
	medium string
}

// mediaRefs collects the media extension elements of the given name in
// document order. Missing extension maps index safely to nothing.
func mediaRefs(item *gofeed.Item, element string) []mediaRef {
	exts := item.Extensions["media"][element]
	if len(exts) == 0 {
		return nil
	}
	refs := make([]mediaRef, 0, len(exts))
	for _, ext := range exts {
		refs = append(refs, mediaRef{
			url:    ext.Attrs["url"],
			typ:    ext.Attrs["type"],
			medium: ext.Attrs["medium"],
		})
	}
	return refs
}
