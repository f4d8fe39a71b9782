package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gleaner-app/gleaner/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(globalLimit, perHostLimit int) *Client {
	return New("gleaner-test/1.0", 5*time.Second, globalLimit, perHostLimit, zap.NewNop().Sugar())
}

func testFeed(t *testing.T, rawURL string) *entity.Feed {
	t.Helper()
	feed, err := entity.NewFeed(rawURL, "", 900)
	require.NoError(t, err)
	return feed
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	var gotIfNoneMatch, gotIfModifiedSince, gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		gotIfModifiedSince = r.Header.Get("If-Modified-Since")
		gotUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	feed := testFeed(t, server.URL+"/feed.xml")
	feed.ETag = `"v1"`
	feed.LastModified = time.Date(2025, time.January, 19, 12, 0, 0, 0, time.UTC)

	result, err := testClient(10, 2).Fetch(context.Background(), feed)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotModified, result.StatusCode)
	assert.Nil(t, result.Body)
	assert.Equal(t, `"v1"`, gotIfNoneMatch)
	assert.Equal(t, "Sun, 19 Jan 2025 12:00:00 GMT", gotIfModifiedSince)
	assert.Equal(t, "gleaner-test/1.0", gotUserAgent)
}

func TestFetchOmitsConditionalHeadersWhenUnknown(t *testing.T) {
	var hadIfNoneMatch, hadIfModifiedSince bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadIfNoneMatch = r.Header["If-None-Match"]
		_, hadIfModifiedSince = r.Header["If-Modified-Since"]
		w.Write([]byte("<rss/>"))
	}))
	defer server.Close()

	result, err := testClient(10, 2).Fetch(context.Background(), testFeed(t, server.URL))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.False(t, hadIfNoneMatch)
	assert.False(t, hadIfModifiedSince)
}

func TestFetchCapturesBodyAndCachingHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Mon, 20 Jan 2025 08:30:00 GMT")
		w.Write([]byte("<rss version=\"2.0\"></rss>"))
	}))
	defer server.Close()

	result, err := testClient(10, 2).Fetch(context.Background(), testFeed(t, server.URL))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, []byte("<rss version=\"2.0\"></rss>"), result.Body)
	assert.Equal(t, `"v2"`, result.ETag)
	assert.True(t, result.LastModified.Equal(time.Date(2025, time.January, 20, 8, 30, 0, 0, time.UTC)))
}

func TestFetchToleratesUnparseableLastModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "yesterday-ish")
		w.Write([]byte("<rss/>"))
	}))
	defer server.Close()

	result, err := testClient(10, 2).Fetch(context.Background(), testFeed(t, server.URL))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.True(t, result.LastModified.IsZero())
}

func TestFetchDiscardsErrorBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	result, err := testClient(10, 2).Fetch(context.Background(), testFeed(t, server.URL))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Nil(t, result.Body)
}

func TestFetchTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	feed := testFeed(t, server.URL)
	server.Close()

	result, err := testClient(10, 2).Fetch(context.Background(), feed)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.StatusCode)
	assert.Nil(t, result.Body)
}

func TestFetchTimesOutSlowServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New("gleaner-test/1.0", 50*time.Millisecond, 10, 2, zap.NewNop().Sugar())
	result, err := client.Fetch(context.Background(), testFeed(t, server.URL))
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.StatusCode)
}

func TestFetchReleasesGatesAfterFailures(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadFeed := testFeed(t, dead.URL)
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "upstream broken", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("<rss/>"))
	}))
	defer live.Close()

	// With both limits at 1, any gate leaked on a failure path would
	// deadlock the final fetch.
	client := testClient(1, 1)
	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), deadFeed)
		require.Error(t, err)
	}
	result, err := client.Fetch(context.Background(), testFeed(t, live.URL+"/broken"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err = client.Fetch(ctx, testFeed(t, live.URL+"/feed.xml"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestFetchLimitsPerHostConcurrency(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&peak)
			if current <= seen || atomic.CompareAndSwapInt32(&peak, seen, current) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte("<rss/>"))
	}))
	defer server.Close()

	client := testClient(10, 2)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Fetch(context.Background(), testFeed(t, server.URL))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&inFlight))
}

func TestFetchLimitsGlobalConcurrency(t *testing.T) {
	var inFlight, peak int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&peak)
			if current <= seen || atomic.CompareAndSwapInt32(&peak, seen, current) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte("<rss/>"))
	})
	serverA := httptest.NewServer(handler)
	defer serverA.Close()
	serverB := httptest.NewServer(handler)
	defer serverB.Close()

	client := testClient(2, 10)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for _, base := range []string{serverA.URL, serverB.URL} {
			wg.Add(1)
			go func(rawURL string) {
				defer wg.Done()
				_, err := client.Fetch(context.Background(), testFeed(t, rawURL))
				assert.NoError(t, err)
			}(base)
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFetchPageSkipsConditionalHeaders(t *testing.T) {
	var hadIfNoneMatch bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadIfNoneMatch = r.Header["If-None-Match"]
		w.Write([]byte("<html><body>article</body></html>"))
	}))
	defer server.Close()

	result, err := testClient(10, 2).FetchPage(context.Background(), server.URL+"/post/1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, []byte("<html><body>article</body></html>"), result.Body)
	assert.False(t, hadIfNoneMatch)
}

func TestFetchPageRejectsHostlessURL(t *testing.T) {
	result, err := testClient(10, 2).FetchPage(context.Background(), "not-a-url")
	require.Error(t, err)
	assert.Nil(t, result)
}
