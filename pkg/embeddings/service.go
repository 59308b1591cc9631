// Package embeddings turns remediation text into vectors for the
// remediation memory.
//
// It wraps langchaingo's OpenAI embedder, which speaks to the OpenAI API
// and to any OpenAI-compatible endpoint such as Text Embeddings Inference:
//
//	svc, err := embeddings.NewService(embeddings.Config{
//	    BaseURL: "https://api.openai.com/v1",
//	    Model:   "text-embedding-3-small",
//	    APIKey:  cfg.Reasoner.APIKey,
//	})
//	memory, err := remediation.NewMemory(memCfg, svc.EmbeddingFunc(), logger)
package embeddings

import (
	"context"
	"errors"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the OpenAI-compatible API root.
	BaseURL string

	// Model is the embedding model, e.g. text-embedding-3-small.
	Model string

	// APIKey is required by OpenAI and ignored by most self-hosted servers.
	APIKey config.Secret
}

// FromConfig derives the embedding settings from the reasoner and memory
// sections. A non-OpenAI reasoner base URL is not reused because chat
// gateways rarely serve embeddings.
func FromConfig(cfg *config.Config) Config {
	base := defaultBaseURL
	if cfg.Reasoner.Provider == "openai" && cfg.Reasoner.BaseURL != "" {
		base = cfg.Reasoner.BaseURL
	}
	return Config{
		BaseURL: base,
		Model:   cfg.Memory.EmbeddingModel,
		APIKey:  cfg.Reasoner.APIKey,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings.
type Service struct {
	embedder embeddings.Embedder
	config   Config
}

// NewService creates an embedding service for config.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token even for servers that ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return newService(embedder, config), nil
}

func newService(e embeddings.Embedder, config Config) *Service {
	return &Service{embedder: e, config: config}
}

// Embed generates one vector per text.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbeddingFunc adapts the service to the vector collection's embedding
// callback.
func (s *Service) EmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if text == "" {
			return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		}
		v, err := s.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return v, nil
	}
}
