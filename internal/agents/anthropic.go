package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicConfig configures the Anthropic messages provider.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Cost        CostModel
}

// AnthropicProvider votes through the messages API over plain REST.
type AnthropicProvider struct {
	client *resty.Client
	cfg    AnthropicConfig
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", anthropicVersion).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	return &AnthropicProvider{client: client, cfg: cfg}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the model name.
func (p *AnthropicProvider) Model() string { return p.cfg.Model }

// CostModel returns the configured token prices.
func (p *AnthropicProvider) CostModel() CostModel { return p.cfg.Cost }

// Analyze asks the model for a vote.
func (p *AnthropicProvider) Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	started := time.Now()
	userPrompt, err := buildUserPrompt(mctx)
	if err != nil {
		return nil, err
	}

	var out anthropicResponse
	var apiErr anthropicError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(anthropicRequest{
			Model:       p.cfg.Model,
			MaxTokens:   p.cfg.MaxTokens,
			System:      systemPrompt,
			Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
			Temperature: p.cfg.Temperature,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/messages")
	if err != nil {
		return nil, errors.NewProviderError(p.Name(), "analyze", err)
	}
	if resp.IsError() {
		return nil, p.statusError("analyze", resp.StatusCode(), apiErr)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no response from anthropic")
	}

	return finishVote(p, completion{
		text:         text.String(),
		inputTokens:  out.Usage.InputTokens,
		outputTokens: out.Usage.OutputTokens,
	}, started), nil
}

// HealthCheck lists models, which needs a valid key but costs no tokens.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	var apiErr anthropicError
	resp, err := p.client.R().SetContext(ctx).SetError(&apiErr).Get("/v1/models")
	if err != nil {
		return errors.NewProviderError(p.Name(), "health", err)
	}
	if resp.IsError() {
		return p.statusError("health", resp.StatusCode(), apiErr)
	}
	return nil
}

func (p *AnthropicProvider) statusError(op string, status int, apiErr anthropicError) error {
	msg := apiErr.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	if apiErr.Error.Type != "" {
		msg = apiErr.Error.Type + ": " + msg
	}
	base := errors.New(msg)
	switch status {
	case 401, 403:
		base = fmt.Errorf("%s: %w", msg, errors.ErrInvalidCredentials)
	case 429:
		base = fmt.Errorf("%s: %w", msg, errors.ErrRateLimited)
	}
	return errors.NewProviderError(p.Name(), op, base)
}
