// Package fetch performs the HTTP side of feed polling: conditional GET
// with ETag/Last-Modified, a fixed per-request deadline, and bounded
// concurrency both globally and per origin host.
package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gleaner-app/gleaner/internal/entity"
	"github.com/gleaner-app/gleaner/internal/logger"
)

// Result carries everything the pipeline needs to triage one request.
// StatusCode 0 means the transport failed before a status line arrived.
// Body is populated for 2xx responses only.
type Result struct {
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified time.Time
	Elapsed      time.Duration
}

// Client is the single shared HTTP client of the pipeline. Safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	userAgent  string
	gates      *hostGates
	global     *semaphore.Weighted
	gmt        *time.Location
	logger     logger.Logger
}

// New builds the shared client. timeout is the hard per-request deadline,
// globalLimit caps all in-flight requests, perHostLimit caps in-flight
// requests against one host.
func New(userAgent string, timeout time.Duration, globalLimit, perHostLimit int, logger logger.Logger) *Client {
	if globalLimit < 1 {
		globalLimit = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		gates:      newHostGates(int64(perHostLimit)),
		global:     semaphore.NewWeighted(int64(globalLimit)),
		gmt:        time.FixedZone("GMT", 0),
		logger:     logger,
	}
}

// acquire takes the host gate first and the global slot second, so a
// worker queued on a busy host does not pin a global slot while waiting.
// The returned release covers both and must run on every exit path.
func (c *Client) acquire(ctx context.Context, host string) (func(), error) {
	if err := c.gates.Acquire(ctx, host); err != nil {
		return nil, err
	}
	if err := c.global.Acquire(ctx, 1); err != nil {
		c.gates.Release(host)
		return nil, err
	}
	return func() {
		c.global.Release(1)
		c.gates.Release(host)
	}, nil
}

// Fetch performs a conditional GET for the feed. It sends If-None-Match
// when the feed has an ETag and If-Modified-Since (RFC 1123, GMT) when it
// has a Last-Modified. The response body is read for 2xx only; new
// caching headers are captured from the response.
func (c *Client) Fetch(ctx context.Context, feed *entity.Feed) (*Result, error) {
	host := feed.PerHostKey
	if host == "" {
		if derived, err := entity.HostKey(feed.URL); err == nil {
			host = derived
		}
	}
	release, err := c.acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return &Result{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if !feed.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", feed.LastModified.In(c.gmt).Format(time.RFC1123))
	}
	return c.do(req)
}

// FetchPage retrieves an article page for content enrichment. The gate
// is keyed by the page's own host; no conditional headers are sent.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Result, error) {
	host, err := entity.HostKey(pageURL)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return &Result{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Result, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Result{Elapsed: time.Since(start)}, err
	}
	defer resp.Body.Close()

	res := &Result{StatusCode: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &Result{Elapsed: time.Since(start)}, err
		}
		res.Body = body
		res.ETag = resp.Header.Get("ETag")
		if lastModified := resp.Header.Get("Last-Modified"); lastModified != "" {
			if parsed, err := time.ParseInLocation(time.RFC1123, lastModified, c.gmt); err == nil {
				res.LastModified = parsed
			} else {
				c.logger.Debug("Unparseable Last-Modified header ", lastModified, " from ", req.URL.Host)
			}
		}
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
