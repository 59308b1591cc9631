package reasoner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

// OpenAIReasoner talks to an OpenAI-compatible chat completion API.
type OpenAIReasoner struct {
	*modelReasoner
}

type openAIModel struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIReasoner creates a reasoner for cfg. BaseURL selects a
// compatible gateway; empty means api.openai.com.
func NewOpenAIReasoner(cfg config.ReasonerConfig, logger *zap.Logger) (*OpenAIReasoner, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("reasoner.api_key is required for the openai provider")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey.Value())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	m := &openAIModel{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
	}
	return &OpenAIReasoner{newModelReasoner(m, cfg, logger)}, nil
}

func (m *openAIModel) provider() string { return "openai" }

func (m *openAIModel) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    m.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
