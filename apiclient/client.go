// Package apiclient is a thin Go client for the control plane API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gleaner-app/gleaner/internal/application/server"
	"github.com/gleaner-app/gleaner/internal/entity"

	"github.com/gofrs/uuid"
)

const (
	feedsPath      string = "/feeds"
	refreshPath    string = "/refresh"
	purgePath      string = "/maintenance/purge"
	opmlImportPath string = "/opml/import"
	opmlExportPath string = "/opml/export"
)

// TODO: make the request timeout configurable
// New creates control plane API http client
func New(baseURL string) (*client, error) {
	url, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &client{
		baseURL: url,
		httpClient: &http.Client{
			Timeout: time.Minute,
		}}, nil
}

type client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// FeedRequest mirrors the server's create/update request body.
type FeedRequest struct {
	URL             string `json:"url"`
	Title           string `json:"title,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

func (c *client) resolve(path string) string {
	rel := &url.URL{Path: path}
	return c.baseURL.ResolveReference(rel).String()
}

// apiError decodes the server's error body, falling back to the raw
// status when the body carries no message.
func apiError(res *http.Response) error {
	var errRes server.ErrResponseBody
	if err := json.NewDecoder(res.Body).Decode(&errRes); err == nil {
		if errRes.ErrorText != "" {
			return errors.New(errRes.ErrorText)
		}
		if errRes.StatusText != "" {
			return errors.New(errRes.StatusText)
		}
	}
	return fmt.Errorf("unknown error, status code: %d, message: %v", res.StatusCode, res.Status)
}

func (c *client) GetFeed(ctx context.Context, id uuid.UUID) (entity.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(fmt.Sprintf("%s/%s", feedsPath, id)), nil)
	if err != nil {
		return entity.Feed{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return entity.Feed{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return entity.Feed{}, apiError(res)
	}
	feed := entity.Feed{}
	if err = json.NewDecoder(res.Body).Decode(&feed); err != nil {
		return entity.Feed{}, err
	}
	return feed, nil
}

func (c *client) GetAllFeeds(ctx context.Context) ([]entity.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(feedsPath), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return nil, apiError(res)
	}
	feeds := []entity.Feed{}
	if err = json.NewDecoder(res.Body).Decode(&feeds); err != nil {
		return nil, err
	}
	return feeds, nil
}

func (c *client) CreateFeed(ctx context.Context, feedRequest FeedRequest) (entity.Feed, error) {
	body, err := json.Marshal(feedRequest)
	if err != nil {
		return entity.Feed{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(feedsPath), bytes.NewReader(body))
	if err != nil {
		return entity.Feed{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return entity.Feed{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return entity.Feed{}, apiError(res)
	}
	feed := entity.Feed{}
	if err = json.NewDecoder(res.Body).Decode(&feed); err != nil {
		return entity.Feed{}, err
	}
	return feed, nil
}

func (c *client) UpdateFeed(ctx context.Context, id uuid.UUID, feedRequest FeedRequest) (entity.Feed, error) {
	body, err := json.Marshal(feedRequest)
	if err != nil {
		return entity.Feed{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(fmt.Sprintf("%s/%s", feedsPath, id)), bytes.NewReader(body))
	if err != nil {
		return entity.Feed{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return entity.Feed{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return entity.Feed{}, apiError(res)
	}
	feed := entity.Feed{}
	if err = json.NewDecoder(res.Body).Decode(&feed); err != nil {
		return entity.Feed{}, err
	}
	return feed, nil
}

func (c *client) DeleteFeed(ctx context.Context, id uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(fmt.Sprintf("%s/%s", feedsPath, id)), nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return apiError(res)
	}
	return nil
}

// RefreshFeed asks the control plane to fetch one feed out of schedule.
func (c *client) RefreshFeed(ctx context.Context, id uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(fmt.Sprintf("%s/%s", refreshPath, id)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return apiError(res)
	}
	return nil
}

// RefreshAllFeeds asks the control plane to fetch every feed out of schedule.
func (c *client) RefreshAllFeeds(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(refreshPath), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return apiError(res)
	}
	return nil
}

// Purge deletes all stored items and schedules every feed for refetch.
func (c *client) Purge(ctx context.Context) (server.PurgeResponseBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(purgePath), nil)
	if err != nil {
		return server.PurgeResponseBody{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return server.PurgeResponseBody{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return server.PurgeResponseBody{}, apiError(res)
	}
	result := server.PurgeResponseBody{}
	if err = json.NewDecoder(res.Body).Decode(&result); err != nil {
		return server.PurgeResponseBody{}, err
	}
	return result, nil
}

// ImportOPML uploads an OPML document and registers its feeds.
func (c *client) ImportOPML(ctx context.Context, opml []byte) (server.ImportResponseBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(opmlImportPath), bytes.NewReader(opml))
	if err != nil {
		return server.ImportResponseBody{}, err
	}
	req.Header.Set("Content-Type", "application/xml")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return server.ImportResponseBody{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return server.ImportResponseBody{}, apiError(res)
	}
	result := server.ImportResponseBody{}
	if err = json.NewDecoder(res.Body).Decode(&result); err != nil {
		return server.ImportResponseBody{}, err
	}
	return result, nil
}

// ExportOPML downloads the registered feeds as an OPML document.
func (c *client) ExportOPML(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(opmlExportPath), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		return nil, apiError(res)
	}
	return io.ReadAll(res.Body)
}
