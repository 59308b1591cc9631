package reasoner

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

// OllamaReasoner talks to a local Ollama server through langchaingo.
type OllamaReasoner struct {
	*modelReasoner
}

type langchainModel struct {
	llm         llms.Model
	temperature float64
}

// NewOllamaReasoner creates a reasoner backed by the Ollama server at
// cfg.BaseURL, or the Ollama default when empty. JSON output is requested
// by the system prompt.
func NewOllamaReasoner(cfg config.ReasonerConfig, logger *zap.Logger) (*OllamaReasoner, error) {
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return newLangchainReasoner(llm, cfg, logger), nil
}

func newLangchainReasoner(llm llms.Model, cfg config.ReasonerConfig, logger *zap.Logger) *OllamaReasoner {
	m := &langchainModel{llm: llm, temperature: cfg.Temperature}
	return &OllamaReasoner{newModelReasoner(m, cfg, logger)}
}

func (m *langchainModel) provider() string { return "ollama" }

func (m *langchainModel) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := m.llm.GenerateContent(ctx, []llms.MessageContent{
		textMessage(schema.ChatMessageTypeSystem, system),
		textMessage(schema.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(m.temperature))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}

func textMessage(role schema.ChatMessageType, text string) llms.MessageContent {
	return llms.MessageContent{
		Role:  role,
		Parts: []llms.ContentPart{llms.TextContent{Text: text}},
	}
}
