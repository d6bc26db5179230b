package graphiti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

func testEpisode() graph.Episode {
	return graph.Episode{
		Name:              "Session X - Academic Research",
		Body:              "Finding F1 'Test finding' reveals that the test works.",
		GroupID:           "research",
		SourceDescription: "[METADATA] session=session-x cycle=0 role=academic_research",
		Reference:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAddEpisode(t *testing.T) {
	var captured episodeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/episodes", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(episodeResponse{
			UUID:      "ep-123",
			CreatedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, ontology.Default(), WithAPIKey("test-key"), WithRatePerSecond(1000))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	res, err := c.AddEpisode(context.Background(), testEpisode())
	require.NoError(t, err)
	assert.Equal(t, "ep-123", res.EpisodeID)

	// Payload carries the episode fields and the full ontology.
	assert.Equal(t, "Session X - Academic Research", captured.Name)
	assert.Equal(t, "research", captured.GroupID)
	assert.Equal(t, "2025-06-01T12:00:00Z", captured.ReferenceTime)
	assert.Len(t, captured.EntityTypes, 10)
	assert.Len(t, captured.EdgeTypes, 11)
	assert.NotEmpty(t, captured.EdgeTypeMap)
}

func TestAddEpisodeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, WithRatePerSecond(1000))
	require.NoError(t, err)

	_, err = c.AddEpisode(context.Background(), testEpisode())
	require.Error(t, err)
	assert.True(t, graph.IsRateLimited(err))
	assert.True(t, graph.IsRetryable(err))
}

func TestAddEpisodeValidationRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"group_id contains invalid characters"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, WithRatePerSecond(1000))
	require.NoError(t, err)

	_, err = c.AddEpisode(context.Background(), testEpisode())
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))
	assert.False(t, graph.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid characters")
}

func TestAddEpisodeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, WithRatePerSecond(1000))
	require.NoError(t, err)

	_, err = c.AddEpisode(context.Background(), testEpisode())
	require.Error(t, err)
	assert.True(t, graph.IsRetryable(err))
}

func TestAddEpisodeLocalValidation(t *testing.T) {
	// No server: a malformed episode must fail before any request is made.
	c, err := New("http://127.0.0.1:0", nil, WithRatePerSecond(1000))
	require.NoError(t, err)

	ep := testEpisode()
	ep.GroupID = "bad/group"
	_, err = c.AddEpisode(context.Background(), ep)
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthcheck", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}

func TestRegistryConstruction(t *testing.T) {
	store, err := graph.New(graph.Config{
		Backend:  "graphiti",
		Graphiti: &graph.GraphitiConfig{Endpoint: "http://localhost:8000"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, store)
	_ = store.Close()
}
