// Package opml reads and writes OPML subscription lists. Folder
// outlines map to categories; deeper nesting is flattened onto the
// nearest enclosing folder.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"
)

// Subscription is one feed entry in a subscription list. Category is
// empty for top-level entries.
type Subscription struct {
	Title    string
	URL      string
	Category string
}

type document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    head     `xml:"head"`
	Body    body     `xml:"body"`
}

type head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type body struct {
	Outlines []outline `xml:"outline"`
}

type outline struct {
	Type     string    `xml:"type,attr,omitempty"`
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []outline `xml:"outline"`
}

func (o outline) displayTitle() string {
	if o.Title != "" {
		return o.Title
	}
	return o.Text
}

// Parse decodes an OPML document into a flat subscription list.
// Outlines without an xmlUrl are treated as folders.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc document
	decoder := xml.NewDecoder(r)
	decoder.Strict = false
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding OPML: %w", err)
	}
	var subs []Subscription
	collect(doc.Body.Outlines, "", &subs)
	return subs, nil
}

func collect(outlines []outline, category string, subs *[]Subscription) {
	for _, o := range outlines {
		if o.XMLURL != "" {
			*subs = append(*subs, Subscription{
				Title:    o.displayTitle(),
				URL:      o.XMLURL,
				Category: category,
			})
			continue
		}
		folder := o.displayTitle()
		if folder == "" {
			folder = category
		}
		collect(o.Outlines, folder, subs)
	}
}

// Build renders a subscription list as an OPML document. Entries with
// the same category are grouped under one folder outline, folders
// sorted by name, uncategorized entries last.
func Build(title string, createdAt time.Time, subs []Subscription) ([]byte, error) {
	byCategory := make(map[string][]outline)
	var order []string
	for _, sub := range subs {
		if _, seen := byCategory[sub.Category]; !seen {
			order = append(order, sub.Category)
		}
		byCategory[sub.Category] = append(byCategory[sub.Category], outline{
			Type:   "rss",
			Text:   sub.Title,
			Title:  sub.Title,
			XMLURL: sub.URL,
		})
	}
	sort.Slice(order, func(i, j int) bool {
		// Uncategorized sorts after every named folder.
		if order[i] == "" || order[j] == "" {
			return order[j] == ""
		}
		return order[i] < order[j]
	})

	doc := document{
		Version: "1.0",
		Head: head{
			Title:       title,
			DateCreated: createdAt.UTC().Format(time.RFC1123Z),
		},
	}
	for _, category := range order {
		if category == "" {
			doc.Body.Outlines = append(doc.Body.Outlines, byCategory[category]...)
			continue
		}
		doc.Body.Outlines = append(doc.Body.Outlines, outline{
			Text:     category,
			Title:    category,
			Outlines: byCategory[category],
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding OPML: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}
