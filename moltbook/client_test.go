package moltbook_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"observatory/models"
	"observatory/moltbook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *moltbook.Client {
	return moltbook.NewClient(moltbook.ClientConfig{
		BaseURL:        url,
		APIKey:         "secret",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	})
}

func TestFetchPageSendsCredentialAndParsesOffsetCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, moltbook.DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "/posts", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "new", r.URL.Query().Get("sort"))
		assert.Equal(t, "4", r.URL.Query().Get("offset"))
		assert.False(t, r.URL.Query().Has("cursor"))
		fmt.Fprint(w, `{"success":true,"posts":[{"id":"a"},{"id":"b"}]}`)
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityPosts, "offset:4", 2, moltbook.WithSort("new"))
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.JSONEq(t, `{"id":"a"}`, string(page.Items[0]))
	assert.Equal(t, "offset:6", page.Next)
}

func TestFetchPagePassesNumericRemoteCursorThrough(t *testing.T) {
	var mu sync.Mutex
	var queries []url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query())
		mu.Unlock()
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"agents":[{"name":"a"}],"next_cursor":"1738000000"}`)
			return
		}
		fmt.Fprint(w, `{"agents":[{"name":"b"}],"next_cursor":1738000001}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	page, err := client.FetchPage(context.Background(), models.EntityAgents, "", 1)
	require.NoError(t, err)
	require.Equal(t, "1738000000", page.Next)

	page, err = client.FetchPage(context.Background(), models.EntityAgents, page.Next, 1)
	require.NoError(t, err)
	assert.Equal(t, "1738000001", page.Next)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Equal(t, "1738000000", queries[1].Get("cursor"))
	assert.False(t, queries[1].Has("offset"))
}

func TestFetchPageRejectsBrokenOffsetCursor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityPosts, "offset:x", 2)
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestFetchPageEndOfData(t *testing.T) {
	tests := []struct {
		name string
		body string
		next string
	}{
		{name: "short page", body: `{"submolts":[{"name":"a"}]}`, next: ""},
		{name: "empty page", body: `{"submolts":[]}`, next: ""},
		{name: "missing key", body: `{"success":true}`, next: ""},
		{name: "has_more false", body: `{"submolts":[{"name":"a"},{"name":"b"}],"has_more":false}`, next: ""},
		{name: "explicit cursor", body: `{"submolts":[{"name":"a"}],"next_cursor":"abc"}`, next: "abc"},
		{name: "full page without cursor", body: `{"submolts":[{"name":"a"},{"name":"b"}]}`, next: "offset:2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			page, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntitySubmolts, "", 2)
			require.NoError(t, err)
			assert.Equal(t, tt.next, page.Next)
		})
	}
}

func TestFetchPageRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"agents":[{"name":"x"}]}`)
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityAgents, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageRetriesRateLimitedRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"posts":[{"id":"p1"}]}`)
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityPosts, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientRateLimitSpacesRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"submolts":[]}`)
	}))
	defer server.Close()

	client := moltbook.NewClient(moltbook.ClientConfig{
		BaseURL:           server.URL,
		RequestsPerSecond: 20,
		Burst:             1,
		Timeout:           time.Second,
	})

	// The first request uses the burst, the next two wait 50ms each
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.FetchPage(context.Background(), models.EntitySubmolts, "", 10)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageSurfacesTransientErrorWhenExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityAgents, "", 10)
	var transient *models.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, models.EntityAgents, transient.Entity)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageAuthFailureIsFatalAndNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchPage(context.Background(), models.EntityPosts, "", 10)
	assert.True(t, models.IsFatalConfig(err))
	assert.False(t, models.IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetAgentUnwrapsProfileAndReportsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/agents/profile", r.URL.Path)
		fmt.Fprintf(w, `{"success":true,"agent":{"name":%q,"karma":3}}`, r.URL.Query().Get("name"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	raw, err := client.GetAgent(context.Background(), "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alice","karma":3}`, string(raw))

	_, err = client.GetAgent(context.Background(), "ghost")
	assert.True(t, errors.Is(err, moltbook.ErrNotFound))
	assert.False(t, models.IsTransient(err))
}
