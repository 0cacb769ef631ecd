package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"tradebridge/internal/models"
)

// DeepSeekConfig configures the DeepSeek provider.
type DeepSeekConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Cost      CostModel
}

// chatGenerator is the part of an eino chat model the provider uses.
type chatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// DeepSeekProvider votes through an eino DeepSeek chat model.
type DeepSeekProvider struct {
	chat chatGenerator
	cfg  DeepSeekConfig
}

// NewDeepSeekProvider creates a new DeepSeek provider.
func NewDeepSeekProvider(ctx context.Context, cfg DeepSeekConfig) (*DeepSeekProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	chat, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		BaseURL:   cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating deepseek model: %w", err)
	}
	return &DeepSeekProvider{chat: chat, cfg: cfg}, nil
}

// Name returns the provider name.
func (p *DeepSeekProvider) Name() string { return "deepseek" }

// Model returns the model name.
func (p *DeepSeekProvider) Model() string { return p.cfg.Model }

// CostModel returns the configured token prices.
func (p *DeepSeekProvider) CostModel() CostModel { return p.cfg.Cost }

// Analyze asks the model for a vote.
func (p *DeepSeekProvider) Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	started := time.Now()
	userPrompt, err := buildUserPrompt(mctx)
	if err != nil {
		return nil, err
	}

	msg, err := p.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	})
	if err != nil {
		return nil, fmt.Errorf("deepseek generation failed: %w", err)
	}
	if msg == nil || msg.Content == "" {
		return nil, fmt.Errorf("no response from deepseek")
	}

	c := completion{text: msg.Content}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		c.inputTokens = msg.ResponseMeta.Usage.PromptTokens
		c.outputTokens = msg.ResponseMeta.Usage.CompletionTokens
	}
	return finishVote(p, c, started), nil
}

// HealthCheck sends a one-word prompt. DeepSeek has no free endpoint that
// validates a key, so this costs a handful of tokens.
func (p *DeepSeekProvider) HealthCheck(ctx context.Context) error {
	_, err := p.chat.Generate(ctx, []*schema.Message{schema.UserMessage("ping")}, model.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("deepseek health check failed: %w", err)
	}
	return nil
}
