// Package extract turns article HTML into cleaned body HTML and plain
// text. Engines are pluggable; any failure is reported to the caller,
// which falls back to the entry's inline content.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/go-shiori/dom"
	"github.com/markusmobius/go-trafilatura"
)

// Recognized engine names.
const (
	EngineTrafilatura = "trafilatura"
	EngineReadability = "readability"
	EngineNone        = "none"
)

// Engine extracts primary content from one article document.
type Engine interface {
	Extract(ctx context.Context, rawHTML []byte, pageURL string) (contentHTML string, contentText string, err error)
	Name() string
}

// New returns the engine for the configured name. "none" returns a nil
// Engine, which disables enrichment entirely.
func New(name string) (Engine, error) {
	switch name {
	case EngineTrafilatura:
		return &trafilaturaEngine{}, nil
	case EngineReadability:
		return &readabilityEngine{}, nil
	case EngineNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown extraction engine %q", name)
	}
}

// trafilaturaEngine is the structured-extraction engine, preferred for
// its precision on article markup.
type trafilaturaEngine struct{}

func (e *trafilaturaEngine) Name() string { return EngineTrafilatura }

func (e *trafilaturaEngine) Extract(ctx context.Context, rawHTML []byte, pageURL string) (string, string, error) {
	opts := trafilatura.Options{
		IncludeImages: true,
		IncludeLinks:  true,
	}
	if u, err := url.Parse(pageURL); err == nil {
		opts.OriginalURL = u
	}
	result, err := trafilatura.Extract(bytes.NewReader(rawHTML), opts)
	if err != nil {
		return "", "", err
	}
	var contentHTML string
	if result.ContentNode != nil {
		contentHTML = dom.OuterHTML(result.ContentNode)
	}
	return contentHTML, strings.TrimSpace(result.ContentText), nil
}

// readabilityEngine is the DOM-scoring fallback.
type readabilityEngine struct{}

func (e *readabilityEngine) Name() string { return EngineReadability }

func (e *readabilityEngine) Extract(ctx context.Context, rawHTML []byte, pageURL string) (string, string, error) {
	article, err := readability.FromReader(bytes.NewReader(rawHTML), nil)
	if err != nil {
		return "", "", err
	}
	var htmlBuf, textBuf strings.Builder
	if err := article.RenderHTML(&htmlBuf); err != nil {
		return "", "", err
	}
	if err := article.RenderText(&textBuf); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(htmlBuf.String()), strings.TrimSpace(textBuf.String()), nil
}
