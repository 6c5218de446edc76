package vector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantIndex_Query(t *testing.T) {
	t.Run("returns best candidate with model filter applied", func(t *testing.T) {
		var gotBody map[string]any

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/collections/cache/points/search", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]any{
					{
						"id":    "p1",
						"score": 0.95,
						"payload": map[string]any{
							"cache_key": "abc123",
							"model":     "openai",
						},
					},
				},
			})
		}))
		defer srv.Close()

		idx, err := NewQdrantIndex(QdrantConfig{APIBase: srv.URL, Collection: "cache"})
		require.NoError(t, err)

		match, err := idx.Query(context.Background(), []float64{0.1, 0.2}, Filter{Model: "openai"})
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "abc123", match.Key)
		assert.InDelta(t, 0.95, match.Similarity, 1e-9)

		// The search request must scope results to the model partition.
		filter := gotBody["filter"].(map[string]any)
		must := filter["must"].([]any)
		require.Len(t, must, 1)
		cond := must[0].(map[string]any)
		assert.Equal(t, "model", cond["key"])
		assert.EqualValues(t, 1, gotBody["limit"])
	})

	t.Run("empty partition yields nil match", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
		}))
		defer srv.Close()

		idx, err := NewQdrantIndex(QdrantConfig{APIBase: srv.URL, Collection: "cache"})
		require.NoError(t, err)

		match, err := idx.Query(context.Background(), []float64{0.1}, Filter{Model: "openai"})
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("missing model filter is rejected", func(t *testing.T) {
		idx, err := NewQdrantIndex(QdrantConfig{APIBase: "http://localhost:6333", Collection: "cache"})
		require.NoError(t, err)

		_, err = idx.Query(context.Background(), []float64{0.1}, Filter{})
		assert.Error(t, err)
	})
}

func TestQdrantIndex_Upsert(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/cache/points", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":{},"status":"ok"}`))
	}))
	defer srv.Close()

	idx, err := NewQdrantIndex(QdrantConfig{APIBase: srv.URL, Collection: "cache"})
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), "abc123", []float64{0.1, 0.2}, Metadata{Model: "openai", CachedAt: 1700000000})
	require.NoError(t, err)

	points := gotBody["points"].([]any)
	require.Len(t, points, 1)
	point := points[0].(map[string]any)
	payload := point["payload"].(map[string]any)
	assert.Equal(t, "abc123", payload["cache_key"])
	assert.Equal(t, "openai", payload["model"])

	// Same key must map to the same point ID so a re-upsert overwrites.
	firstID := point["id"]
	err = idx.Upsert(context.Background(), "abc123", []float64{0.3, 0.4}, Metadata{Model: "openai"})
	require.NoError(t, err)
	points = gotBody["points"].([]any)
	assert.Equal(t, firstID, points[0].(map[string]any)["id"])
}
