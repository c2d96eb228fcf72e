package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l0p7/purgectrl/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.HostConfig{BaseURL: server.URL, TimeoutSeconds: 2}, nil)
}

func TestItemByID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/items/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": 42,
			"status": "published",
			"published_at": "2026-08-25T10:00:00Z",
			"permalink": "https://example.com/p/42",
			"metadata": {"discourse_topic_id": "99"}
		}`))
	})

	item, err := client.ItemByID(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, ID("42"), item.ID)
	require.True(t, item.Published())
	require.NotNil(t, item.PublishedAt)
	require.Equal(t, "https://example.com/p/42", item.Permalink)
	require.Equal(t, "99", item.Meta("discourse_topic_id"))
}

func TestItemByIDNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := client.ItemByID(context.Background(), "404")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestItemByIDRejectsOtherStatuses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ItemByID(context.Background(), "42")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestItemByIDRejectsMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": `))
	})

	_, err := client.ItemByID(context.Background(), "42")
	require.Error(t, err)
}

func TestItemByIDRequiresID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.ItemByID(context.Background(), "  ")
	require.Error(t, err)
}

func TestItemByIDFillsMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "published"}`))
	})

	item, err := client.ItemByID(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, ID("7"), item.ID)
}
