// Package agents provides the AI providers that vote on a trade and the
// orchestrator that polls them.
package agents

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradebridge/internal/config"
	"tradebridge/internal/models"
)

// Provider is one AI model that can vote on a market context.
//
// Providers hold no per-call state. Analyze may return an error vote with a
// nil error when the model answered but the answer could not be used.
type Provider interface {
	Name() string
	Model() string
	Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error)
	HealthCheck(ctx context.Context) error
	CostModel() CostModel
}

// CostModel prices a call in USD per million tokens.
type CostModel struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

var million = decimal.NewFromInt(1_000_000)

// Cost returns the USD cost of a call with the given token counts.
func (c CostModel) Cost(inputTokens, outputTokens int) float64 {
	in := decimal.NewFromInt(int64(inputTokens)).Mul(decimal.NewFromFloat(c.InputPerMillion))
	out := decimal.NewFromInt(int64(outputTokens)).Mul(decimal.NewFromFloat(c.OutputPerMillion))
	cost, _ := in.Add(out).Div(million).Float64()
	return cost
}

// completion is the raw outcome of one vendor call.
type completion struct {
	text         string
	inputTokens  int
	outputTokens int
}

// finishVote parses a vendor completion into a vote and stamps the call metadata.
func finishVote(p Provider, c completion, started time.Time) *models.AIAnalysis {
	vote := ParseAnalysis(p.Name(), p.Model(), c.text)
	vote.InputTokens = c.inputTokens
	vote.OutputTokens = c.outputTokens
	vote.Cost = p.CostModel().Cost(c.inputTokens, c.outputTokens)
	vote.ProcessingTime = time.Since(started)
	return &vote
}

// FromConfig builds every enabled provider that has what it needs to run.
// Providers missing an API key are skipped and logged.
func FromConfig(providers config.ProvidersConfig, creds config.Credentials, logger zerolog.Logger) map[string]Provider {
	out := make(map[string]Provider)

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := providers[name]
		if !s.Enabled {
			continue
		}
		cost := CostModel{InputPerMillion: s.InputPerMillion, OutputPerMillion: s.OutputPerMillion}
		log := logger.With().Str("provider", name).Logger()

		switch name {
		case "openai":
			if creds.OpenAI.APIKey == "" {
				log.Debug().Msg("Skipping provider without API key")
				continue
			}
			out[name] = NewOpenAIProvider(OpenAIConfig{
				APIKey: creds.OpenAI.APIKey, Model: s.Model, BaseURL: s.BaseURL,
				MaxTokens: s.MaxTokens, Temperature: s.Temperature, Cost: cost,
			})
		case "anthropic":
			if creds.Anthropic.APIKey == "" {
				log.Debug().Msg("Skipping provider without API key")
				continue
			}
			out[name] = NewAnthropicProvider(AnthropicConfig{
				APIKey: creds.Anthropic.APIKey, Model: s.Model, BaseURL: s.BaseURL,
				MaxTokens: s.MaxTokens, Temperature: s.Temperature, Cost: cost,
			})
		case "deepseek":
			if creds.DeepSeek.APIKey == "" {
				log.Debug().Msg("Skipping provider without API key")
				continue
			}
			p, err := NewDeepSeekProvider(context.Background(), DeepSeekConfig{
				APIKey: creds.DeepSeek.APIKey, Model: s.Model, BaseURL: s.BaseURL,
				MaxTokens: s.MaxTokens, Cost: cost,
			})
			if err != nil {
				log.Warn().Err(err).Msg("DeepSeek provider unavailable")
				continue
			}
			out[name] = p
		case "rules":
			out[name] = NewRuleProvider(s.Model)
		default:
			log.Warn().Msg("Unknown provider in configuration")
		}
	}
	return out
}
