// Package embeddings provides lazy-loaded vector embedding generation
// via Ollama, plus the background worker that keeps the fact store's
// embedding column caught up (see worker.go).
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/chartreuse/sentry-agent/internal/httpkit"
)

// ModelVersion is stamped alongside every stored vector so a future
// model change can be detected and facts re-embedded, rather than
// silently comparing vectors produced by different models.
const ModelVersion = "1"

// loadBackoffBase and loadMaxAttempts implement the capped exponential
// backoff spec'd for first-use model loading: 5s * 2^n, max 3 attempts.
const (
	loadBackoffBase = 5 * time.Second
	loadMaxAttempts = 3
)

type loadState int

const (
	notLoaded loadState = iota
	loaded
	loadFailed
)

// Client generates embeddings using Ollama's embedding API. The model
// is not contacted until the first Embed call; Ready reports whether
// that first load has already succeeded.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	state    loadState
	attempts int
}

// Config for the embedding client.
type Config struct {
	BaseURL string // Ollama base URL (e.g., "http://localhost:11434")
	Model   string // Embedding model (e.g., "nomic-embed-text")
	Logger  *slog.Logger
}

// New creates an embedding client. No network call happens until the
// first Embed.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		logger:  logger,
		client: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// Ready reports whether the model has successfully completed its
// first load. It does not attempt a load itself.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == loaded
}

// Embed generates an embedding for text, triggering the lazy first
// load (with capped backoff) on the first call. Once the load attempts
// are exhausted, every later call returns an error without retrying
// the load.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return c.generate(ctx, text)
}

// ensureLoaded performs the one-time warmup probe against the model,
// retrying with 5s*2^n backoff up to loadMaxAttempts times. Once
// loaded (or permanently failed), subsequent calls are a no-op.
func (c *Client) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	if c.state == loaded {
		c.mu.Unlock()
		return nil
	}
	if c.state == loadFailed {
		c.mu.Unlock()
		return fmt.Errorf("embedding model %q failed to load after %d attempts", c.model, loadMaxAttempts)
	}
	first := c.attempts == 0
	c.mu.Unlock()

	if first {
		c.logger.Info("downloading embedding model…", "model", c.model)
	}

	for {
		c.mu.Lock()
		attempt := c.attempts
		c.mu.Unlock()
		if attempt >= loadMaxAttempts {
			c.mu.Lock()
			c.state = loadFailed
			c.mu.Unlock()
			return fmt.Errorf("embedding model %q failed to load after %d attempts", c.model, loadMaxAttempts)
		}

		_, err := c.generate(ctx, "warmup")
		c.mu.Lock()
		c.attempts++
		if err == nil {
			c.state = loaded
			c.mu.Unlock()
			return nil
		}
		attempts := c.attempts
		c.mu.Unlock()

		if attempts >= loadMaxAttempts {
			c.mu.Lock()
			c.state = loadFailed
			c.mu.Unlock()
			return fmt.Errorf("embedding model %q failed to load: %w", c.model, err)
		}

		delay := loadBackoffBase * time.Duration(1<<uint(attempts-1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// embedRequest is the Ollama embedding API request.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the Ollama embedding API response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// generate performs a single, un-retried embedding call.
func (c *Client) generate(ctx context.Context, text string) ([]float32, error) {
	req := embedRequest{
		Model:  c.model,
		Prompt: text,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return embedResp.Embedding, nil
}

// GenerateBatch creates embeddings for multiple texts, used by the
// worker's per-tick batch.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
