package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/dispatch"
)

func TestPublishSuccessDecodesResponse(t *testing.T) {
	var got Payload
	var auth, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Source")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"r-1","url":"https://example.test/r-1","engagement":{"likes":4,"shares":1}}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, BearerToken: "tok", Headers: map[string]string{"X-Source": "postflow"}}, srv.Client())
	require.NoError(t, err)

	when := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	res, err := c.Publish(context.Background(),
		dispatch.Target{PostID: "p1", PlatformID: "hook", PlatformType: "webhook"},
		"hello",
		dispatch.Options{WorkflowID: "wf", ScheduledFor: when},
	)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "r-1", res.RemoteID)
	assert.Equal(t, "https://example.test/r-1", res.URL)
	require.NotNil(t, res.Engagement)
	assert.EqualValues(t, 4, res.Engagement.Likes)

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "postflow", custom)
	assert.Equal(t, "p1", got.PostID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.True(t, got.ScheduledFor.Equal(when))
}

func TestPublishEmptyBodyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	res, err := c.Publish(context.Background(), dispatch.Target{PlatformID: "hook"}, "x", dispatch.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.RemoteID)
}

func TestPublishNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("e", 2000), http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), dispatch.Target{PlatformID: "hook"}, "x", dispatch.Options{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "http 502: "))
	assert.LessOrEqual(t, len(err.Error()), len("http 502: ")+maxErrBody)
}

func TestPublishHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Publish(ctx, dispatch.Target{PlatformID: "hook"}, "x", dispatch.Options{})
	assert.Error(t, err)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{URL: "  "}, nil)
	assert.Error(t, err)
}
