package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSendsModelAndOptions(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Response: "pong", Done: true})
	}))
	defer srv.Close()

	eng := New(srv.URL, "test-model")
	out, err := eng.Generate(context.Background(), "ping")
	require.NoError(t, err)

	assert.Equal(t, "pong", out)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "ping", got.Prompt)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Options, "temperature")
	assert.Contains(t, got.Options, "num_predict")
}

func TestGenerateVisionAttachesImages(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Response: "a cat", Done: true})
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0o644))

	eng := New(srv.URL, "vision-model")
	out, err := eng.GenerateVision(context.Background(), "what is this", []string{img})
	require.NoError(t, err)

	assert.Equal(t, "a cat", out)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "iVBORw==", got.Images[0])
}

func TestGenerateVisionMissingImageFails(t *testing.T) {
	eng := New("http://localhost:1", "vision-model")
	_, err := eng.GenerateVision(context.Background(), "look", []string{"/no/such/file.png"})
	assert.Error(t, err)
}

func TestEmbedConvertsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(embeddingsResponse{Embedding: []float64{0.25, -1}})
	}))
	defer srv.Close()

	eng := New(srv.URL, "embed-model")
	vec, err := eng.Embed(context.Background(), "text")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.25, -1}, vec)
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng := New(srv.URL, "m")
	_, err := eng.Generate(context.Background(), "x")
	assert.ErrorContains(t, err, "500")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
	}))
	eng := New(srv.URL, "m")
	assert.NoError(t, eng.Ping(context.Background()))

	srv.Close()
	assert.Error(t, eng.Ping(context.Background()))
}
