// Package llm wraps the external local model behind a narrow generation
// contract. Backends are local inference servers speaking the
// OpenAI-compatible API; embeddings are optional and opaque.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbeddingUnsupported is returned by backends that cannot produce
// embeddings.
var ErrEmbeddingUnsupported = errors.New("llm: embeddings not supported by this backend")

// Generator is the interface to the external model.
type Generator interface {
	// Generate sends a single prompt and returns the completion text.
	Generate(ctx context.Context, prompt string) (string, error)

	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts. Backends without an
	// embedding endpoint return ErrEmbeddingUnsupported.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures a generator backend.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// NewGenerator creates a generator from configuration.
func NewGenerator(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
