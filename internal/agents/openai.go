package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"tradebridge/internal/models"
)

// OpenAIConfig configures an OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string // optional, for compatible gateways
	MaxTokens   int
	Temperature float64
	Cost        CostModel
}

// OpenAIProvider votes through the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Model returns the model name.
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

// CostModel returns the configured token prices.
func (p *OpenAIProvider) CostModel() CostModel { return p.cfg.Cost }

// Analyze asks the model for a vote.
func (p *OpenAIProvider) Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	started := time.Now()
	userPrompt, err := buildUserPrompt(mctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: float32(p.cfg.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	return finishVote(p, completion{
		text:         resp.Choices[0].Message.Content,
		inputTokens:  resp.Usage.PromptTokens,
		outputTokens: resp.Usage.CompletionTokens,
	}, started), nil
}

// HealthCheck lists models, which needs a valid key but costs no tokens.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	return nil
}
