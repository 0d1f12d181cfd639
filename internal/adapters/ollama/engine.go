// Package ollama implements the inference engine against a local Ollama
// server. It lets the daemon serve a workspace without a native model
// binding: jobs run over HTTP, sampling parameters travel in the request
// options, and images are attached base64-encoded.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/manthysbr/nrvna/internal/config"
)

// Engine runs inference through an Ollama instance. Safe to share across
// workers; the HTTP client serializes nothing.
type Engine struct {
	baseURL string
	model   string
	client  *http.Client
}

// New creates an engine for the given model name. baseURL falls back to
// the NRVNA_OLLAMA_URL default.
func New(baseURL, model string) *Engine {
	if baseURL == "" {
		baseURL = config.OllamaURL()
	}
	return &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Images  []string       `json:"images,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Generate produces a completion via /api/generate.
func (e *Engine) Generate(ctx context.Context, prompt string) (string, error) {
	return e.generate(ctx, prompt, nil, options(config.SamplingFromEnv()))
}

// GenerateVision attaches the images base64-encoded and lowers the
// temperature the same way the native path does.
func (e *Engine) GenerateVision(ctx context.Context, prompt string, imagePaths []string) (string, error) {
	images := make([]string, 0, len(imagePaths))
	for _, path := range imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read image %s: %w", path, err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}

	cfg := config.SamplingFromEnv()
	cfg.Temp = config.VisionTemp()
	return e.generate(ctx, prompt, images, options(cfg))
}

func (e *Engine) generate(ctx context.Context, prompt string, images []string, opts map[string]any) (string, error) {
	reqBody := generateRequest{
		Model:   e.model,
		Prompt:  prompt,
		Stream:  false,
		Images:  images,
		Options: opts,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status: %d", resp.StatusCode)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return genResp.Response, nil
}

// Embed produces an embedding via /api/embeddings.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(embeddingsRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status: %d", resp.StatusCode)
	}

	var embResp embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	vec := make([]float32, len(embResp.Embedding))
	for i, v := range embResp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Close is a no-op; the engine holds no native resources.
func (e *Engine) Close() error { return nil }

// Ping verifies the server is reachable before workers start.
func (e *Engine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %d", resp.StatusCode)
	}
	return nil
}

func options(cfg config.Sampling) map[string]any {
	return map[string]any{
		"num_predict":    cfg.Predict,
		"num_ctx":        cfg.MaxCtx,
		"temperature":    cfg.Temp,
		"top_k":          cfg.TopK,
		"top_p":          cfg.TopP,
		"min_p":          cfg.MinP,
		"repeat_penalty": cfg.RepeatPenalty,
		"repeat_last_n":  cfg.RepeatLastN,
		"seed":           int(cfg.Seed),
	}
}
