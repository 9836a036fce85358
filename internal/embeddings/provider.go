// Package embeddings turns text into fixed-dimension vectors.
//
// Three providers are available: local ONNX models through fastembed (cgo
// builds only), a Text Embeddings Inference server, and any OpenAI-compatible
// embeddings endpoint through langchaingo. All of them are deterministic for
// identical input.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedQuery embeds a single piece of text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of texts, one vector per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector size, or 0 when not yet known.
	Dimension() int

	// Close releases provider resources.
	Close() error
}

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(logger)

	switch cfg.Provider {
	case "fastembed", "":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: config.ExpandPath(cfg.CacheDir),
		})
		if err != nil {
			return nil, fmt.Errorf("creating fastembed provider: %w", err)
		}
		return instrument(p, cfg.Model, metrics), nil

	case "tei":
		p, err := NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating tei provider: %w", err)
		}
		return instrument(p, cfg.Model, metrics), nil

	case "openai":
		p, err := NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating openai provider: %w", err)
		}
		return instrument(p, cfg.Model, metrics), nil

	default:
		return nil, fmt.Errorf("%w: unsupported embeddings provider %q (supported: fastembed, tei, openai)", ErrInvalidConfig, cfg.Provider)
	}
}
