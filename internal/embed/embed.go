// Package embed provides text-to-vector embedding for journal chunks.
//
// Supports multiple providers:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - deepseek: https://api.deepseek.com/v1/embeddings
// - custom: user-specified endpoint
// - local: ONNX model on this machine (see local.go)
// - hash: deterministic offline stub (see hash.go)
//
// HTTP providers use the OpenAI-compatible /v1/embeddings format. Clients make
// exactly one attempt per call and report failures with the journal error
// taxonomy; retry policy belongs to the caller.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

// DefaultMaxBatch is the batch limit assumed for HTTP providers.
const DefaultMaxBatch = 64

// Embedder generates embedding vectors from text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// MaxBatch is the largest batch the provider accepts in one call.
	MaxBatch() int
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &journal.ProviderError{Kind: journal.ErrInvalidInput, Provider: "embed", Msg: "empty text"}
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, &journal.ProviderError{Kind: journal.ErrMalformedResponse, Provider: "embed", Msg: "expected 1 embedding"}
	}
	return vecs[0], nil
}

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider    string // "ollama", "openai", "deepseek", "openrouter", "custom"
	Model       string
	Endpoint    string // full API URL
	APIKey      string
	TimeoutSecs int // per-request timeout (default: 60)
	BatchLimit  int // provider batch limit (default: DefaultMaxBatch)
}

// EmbedRequest represents an OpenAI-compatible embeddings request.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse represents an OpenAI-compatible embeddings response.
type EmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client implements Embedder with HTTP API calls. It is safe for concurrent
// use.
type Client struct {
	config     EmbedConfig
	http       *http.Client
	dimensions atomic.Int64 // learned from the latest response
}

// ParseEmbedFlag parses "provider/model" format.
// Handles model names with slashes and colons like "openrouter/sentence-transformers/all-MiniLM-L6-v2".
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]

	if provider == "" {
		return nil, fmt.Errorf("empty provider in embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in embed flag: %q", flag)
	}

	config := &EmbedConfig{
		Provider:    provider,
		Model:       model,
		TimeoutSecs: 60,
		BatchLimit:  DefaultMaxBatch,
	}

	switch provider {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		config.Endpoint = "https://api.deepseek.com/v1/embeddings"
		config.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "custom":
		config.Endpoint = os.Getenv("QUILL_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("QUILL_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, deepseek, openrouter, custom", provider)
	}

	return config, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *EmbedConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q", c.Provider)
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config *EmbedConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultMaxBatch
	}

	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Dimensions returns the dimensionality of embeddings from this client.
// Returns 0 if no embeddings have been generated yet.
func (c *Client) Dimensions() int {
	return int(c.dimensions.Load())
}

// MaxBatch implements Embedder.
func (c *Client) MaxBatch() int {
	return c.config.BatchLimit
}

// EmbedBatch generates embedding vectors for multiple texts in a single API call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.config.BatchLimit {
		return nil, c.fail(journal.ErrInvalidInput, 0, fmt.Sprintf("batch of %d exceeds limit %d", len(texts), c.config.BatchLimit))
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, c.fail(journal.ErrInvalidInput, 0, fmt.Sprintf("text %d is empty", i))
		}
	}

	requestBody, err := json.Marshal(EmbedRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/quill")
		httpReq.Header.Set("X-Title", "Quill")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(journal.ErrTransientProvider, 0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(journal.ErrTransientProvider, resp.StatusCode, fmt.Sprintf("reading response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		pe := c.fail(journal.KindForStatus(resp.StatusCode), resp.StatusCode, string(body))
		pe.RetryAfter = journal.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, pe
	}

	var embedResp EmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, c.fail(journal.ErrMalformedResponse, resp.StatusCode, fmt.Sprintf("parsing response JSON: %v", err))
	}
	if len(embedResp.Data) != len(texts) {
		return nil, c.fail(journal.ErrMalformedResponse, resp.StatusCode, fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(embedResp.Data)))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embedResp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) || len(data.Embedding) == 0 || embeddings[data.Index] != nil {
			return nil, c.fail(journal.ErrMalformedResponse, resp.StatusCode, fmt.Sprintf("invalid embedding at index %d", data.Index))
		}
		embeddings[data.Index] = data.Embedding
	}
	c.dimensions.Store(int64(len(embeddings[0])))
	return embeddings, nil
}

func (c *Client) fail(kind error, status int, msg string) *journal.ProviderError {
	return &journal.ProviderError{
		Kind:       kind,
		Provider:   c.config.Provider + "/" + c.config.Model,
		StatusCode: status,
		Msg:        truncate(msg, 300),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
