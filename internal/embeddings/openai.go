package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint
// (OpenAI, Ollama, vLLM, LM Studio).
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAIProvider embeds through langchaingo.
type OpenAIProvider struct {
	embedder  lcembeddings.Embedder
	dimension atomic.Int64
}

// NewOpenAIProvider creates a provider. Local endpoints that ignore the key
// still need a non-empty token for the client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		token = "unused"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIProvider{embedder: embedder}, nil
}

// EmbedDocuments embeds a batch.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) > 0 {
		p.dimension.Store(int64(len(vecs[0])))
	}
	return vecs, nil
}

// EmbedQuery embeds one text.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	p.dimension.Store(int64(len(vec)))
	return vec, nil
}

// Dimension returns the size observed in the last response, or 0.
func (p *OpenAIProvider) Dimension() int {
	return int(p.dimension.Load())
}

// Close is a no-op.
func (p *OpenAIProvider) Close() error {
	return nil
}
