package llm

import "context"

// lmStudioGenerator implements Generator for LM Studio, which exposes an
// OpenAI-compatible API.
type lmStudioGenerator struct {
	base openAICompatClient
}

// NewLMStudio creates a generator for LM Studio.
func NewLMStudio(cfg Config) Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &lmStudioGenerator{base: newOpenAICompatClient(cfg)}
}

func (p *lmStudioGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return p.base.generate(ctx, prompt)
}

func (p *lmStudioGenerator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *lmStudioGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
