package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIProviderEmbedBatches(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := apiResponse{}
		// reply out of order to exercise index handling
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0, 1}})
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model", BatchSize: 2})
	vectors, err := p.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(3), vectors[2][0])
	assert.Equal(t, 3, p.Dimension())
}

func TestAPIProviderEmbedEmpty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Dimension: 128})
	vectors, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Equal(t, 128, p.Dimension())
}

func TestLocalProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic"})
	vectors, err := p.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 2, p.Dimension())
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(Config{Provider: "local"})
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p)

	_, err = New(Config{Provider: "quantum"})
	assert.Error(t, err)
}

func TestLocalProviderKeepsOrderAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req localRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "bad" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{float32(len(req.Prompt))}})
	}))
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, BatchSize: 2})
	vectors, err := p.Embed(context.Background(), []string{"a", "bbb", "cc", "dddd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {3}, {2}, {4}}, vectors)

	_, err = p.Embed(context.Background(), []string{"ok", "bad"})
	assert.ErrorContains(t, err, "model not loaded")
}

func TestOrderedFallsBackToPosition(t *testing.T) {
	vecs, err := ordered([]apiEmbeddingData{
		{Index: 0, Embedding: []float32{1}},
		{Index: 0, Embedding: []float32{2}},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, vecs)

	_, err = ordered(nil, 1)
	assert.Error(t, err)
}
