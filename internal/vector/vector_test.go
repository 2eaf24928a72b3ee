package vector

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memoryd/internal/config"
)

func TestHashEmbedder_DeterministicUnitVectors(t *testing.T) {
	e := NewHashEmbedder(16)
	a1, err := e.Embed(context.Background(), "grandson's school")
	require.NoError(t, err)
	a2, _ := e.Embed(context.Background(), "grandson's school")
	b, _ := e.Embed(context.Background(), "garden tomatoes")

	assert.Len(t, a1, 16)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestHTTPEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-emb" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "embed-small" || req.Input != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingConfig{BaseURL: srv.URL, APIKey: "sk-emb", Model: "embed-small", Dimension: 3})
	vec, err := e.Embed(context.Background(), "  hello ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Embedding: []float32{1, 2}}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingConfig{Provider: ProviderOllama, BaseURL: srv.URL, Model: "m", Dimension: 3})
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestHTTPEmbedder_Validation(t *testing.T) {
	_, err := NewHTTPEmbedder(config.EmbeddingConfig{BaseURL: "http://x", Model: "m"}).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "api key")

	_, err = NewHTTPEmbedder(config.EmbeddingConfig{BaseURL: "http://x", APIKey: "k", Model: "m"}).Embed(context.Background(), "  ")
	assert.ErrorContains(t, err, "empty text")
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(config.EmbeddingConfig{Provider: "hash", Dimension: 8})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)

	e, err = NewEmbedder(config.EmbeddingConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, defaultOllamaBaseURL, e.(*HTTPEmbedder).baseURL)

	_, err = NewEmbedder(config.EmbeddingConfig{Provider: "onnx"})
	assert.Error(t, err)
}

func TestChromemIndex_UpsertQueryDelete(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex("", false)
	require.NoError(t, err)
	emb := NewHashEmbedder(32)

	add := func(owner, id, text string) {
		vec, _ := emb.Embed(ctx, text)
		require.NoError(t, idx.Upsert(ctx, owner, Document{ID: id, Content: text, Embedding: vec, Metadata: map[string]string{"memoryId": id}}))
	}
	add("u1", "mem_a", "we talked about the garden")
	add("u1", "mem_b", "grandson starts school")
	add("u2", "mem_c", "other owner")
	add("u1", "mem_a", "we talked about the garden and tomatoes")

	n, err := idx.Count("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q, _ := emb.Embed(ctx, "grandson starts school")
	matches, err := idx.Query(ctx, "u1", q, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "mem_b", matches[0].ID)

	require.NoError(t, idx.Delete(ctx, "u1", "mem_b"))
	n, _ = idx.Count("u1")
	assert.Equal(t, 1, n)

	empty, err := idx.Query(ctx, "nobody", q, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChromemIndex_RequiresEmbedding(t *testing.T) {
	idx, _ := NewChromemIndex("", false)
	err := idx.Upsert(context.Background(), "u1", Document{ID: "x", Content: "text"})
	assert.ErrorIs(t, err, errEmbeddingRequired)
}

func TestChromemIndex_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := NewHashEmbedder(8)
	vec, _ := emb.Embed(ctx, "persist me")

	idx, err := NewChromemIndex(dir, false)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "u1", Document{ID: "mem_p", Content: "persist me", Embedding: vec}))

	reopened, err := NewChromemIndex(dir, false)
	require.NoError(t, err)
	n, err := reopened.Count("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
