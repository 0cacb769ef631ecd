package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/agents"
	"tradebridge/internal/app"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/models"
	"tradebridge/internal/resilience"
	"tradebridge/internal/store"
)

type candleFeed struct {
	*broker.PaperBroker
}

func (f candleFeed) GetCandles(ctx context.Context, req broker.CandleRequest) ([]models.Candle, error) {
	start := time.Now().Add(-60 * time.Hour).Truncate(time.Hour)
	out := make([]models.Candle, 60)
	for i := range out {
		c := 95 + float64(i)*0.1
		out[i] = models.Candle{
			Symbol: req.Symbol, Timeframe: req.Timeframe, Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open: c - 0.05, High: c + 0.3, Low: c - 0.3, Close: c, Volume: 500,
		}
	}
	return out, nil
}

type bullProvider string

func (b bullProvider) Name() string  { return string(b) }
func (b bullProvider) Model() string { return "bull-1" }
func (b bullProvider) Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	return &models.AIAnalysis{
		Provider: string(b), Model: "bull-1", Direction: models.DirectionBuy, Confidence: 75,
		StopLoss: models.Float(95), TakeProfit: models.Float(112), Reasoning: "momentum",
		KeyFactors: []string{"higher highs"},
	}, nil
}
func (b bullProvider) HealthCheck(ctx context.Context) error { return nil }
func (b bullProvider) CostModel() agents.CostModel          { return agents.CostModel{InputPerMillion: 1} }

func newTestRegistry(t *testing.T) *app.Registry {
	t.Helper()
	cfg := &config.Config{
		Broker: config.BrokerConfig{
			DefaultWorkspace: "sim",
			Workspaces:       map[string]config.WorkspaceConfig{"sim": {Type: "paper", Environment: "paper", Balance: 10000}},
		},
		Consensus:    config.ConsensusConfig{Method: "majority", MinConfidence: 50, MinAgreement: 50},
		Orchestrator: config.OrchestratorConfig{Timeout: time.Second},
		Risk:         config.RiskConfig{MaxPositionPercent: 10, MaxConcurrentPositions: 5, MinRiskReward: 1.5, MinFreeMarginPercent: 20},
		Store:        config.StoreConfig{Path: filepath.Join(t.TempDir(), "cli.db")},
		Credentials:  config.Credentials{OpenAI: config.APIKeyCredentials{APIKey: "sk-test-abcdefgh1234"}},
	}
	reg, err := app.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	paper := broker.NewPaperBroker(broker.PaperConfig{InitialBalance: 10000}, zerolog.Nop())
	paper.UpdatePrice(models.Tick{Symbol: "AAPL", Bid: 99.95, Ask: 100.05, Timestamp: time.Now()})
	reg.Brokers.Register("paper", func(*broker.Factory, string, config.WorkspaceConfig) (broker.Broker, error) {
		return candleFeed{paper}, nil
	})
	reg.Orchestrator.Register(bullProvider("bull-a"))
	reg.Orchestrator.Register(bullProvider("bull-b"))
	return reg
}

func run(t *testing.T, reg *app.Registry, args ...string) (string, error) {
	t.Helper()
	root, _ := NewRootCmd(reg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionNeedsNoConfig(t *testing.T) {
	out, err := run(t, nil, "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, app.Version, v["version"])
}

func TestConfigShowMasksCredentials(t *testing.T) {
	reg := newTestRegistry(t)
	out, err := run(t, reg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "1234")
	assert.NotContains(t, out, "sk-test-abcdefgh1234")

	out, err = run(t, reg, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "abcdefgh")
}

func TestPriceAndOrders(t *testing.T) {
	reg := newTestRegistry(t)

	out, err := run(t, reg, "price", "aapl", "--json")
	require.NoError(t, err)
	var prices map[string]models.Tick
	require.NoError(t, json.Unmarshal([]byte(out), &prices))
	assert.InDelta(t, 100.05, prices["AAPL"].Ask, 1e-9)

	out, err = run(t, reg, "orders", "place", "AAPL", "buy", "2", "--sl", "95", "--tp", "110", "--json")
	require.NoError(t, err)
	var exec struct {
		Order models.OrderResult `json:"order"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, models.OrderStatusFilled, exec.Order.Status)
	assert.True(t, strings.HasPrefix(exec.Order.ClientOrderID, "tb-"))

	out, err = run(t, reg, "positions", "list", "--json")
	require.NoError(t, err)
	var positions []models.Position
	require.NoError(t, json.Unmarshal([]byte(out), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Size)

	_, err = run(t, reg, "positions", "modify", "AAPL", "--sl", "96")
	require.NoError(t, err)
	out, err = run(t, reg, "positions", "close", "AAPL", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, string(models.OrderStatusFilled))
}

func TestOrderRejectedByRiskChecks(t *testing.T) {
	reg := newTestRegistry(t)
	// 1:1 reward is below the 1.5 minimum
	out, err := run(t, reg, "orders", "place", "AAPL", "buy", "1", "--sl", "95", "--tp", "105")
	require.Error(t, err)
	assert.Contains(t, out, "Rejected")

	_, err = run(t, reg, "orders", "place", "AAPL", "hold", "1")
	require.Error(t, err)
}

func TestAnalyzeExecuteAndDecisions(t *testing.T) {
	reg := newTestRegistry(t)

	out, err := run(t, reg, "analyze", "AAPL", "--providers", "bull-a,bull-b", "--execute", "--size", "3", "--json")
	require.NoError(t, err)
	var res struct {
		Decision  models.ConsensusResult `json:"decision"`
		Execution *struct {
			Order *models.OrderResult `json:"order"`
		} `json:"execution"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, models.DirectionBuy, res.Decision.Direction)
	assert.True(t, res.Decision.ShouldTrade)
	require.NotNil(t, res.Execution)
	require.NotNil(t, res.Execution.Order)

	out, err = run(t, reg, "decisions", "--json")
	require.NoError(t, err)
	var rows []store.DecisionSummary
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, res.Execution.Order.OrderID, rows[0].OrderID)

	out, err = run(t, reg, "decisions", rows[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "bull-a")
	assert.Contains(t, out, "higher highs")
}

func TestAnalyzeRequiresSizeToExecute(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := run(t, reg, "analyze", "AAPL", "--execute")
	assert.Error(t, err)
}

func TestProvidersAndHealth(t *testing.T) {
	reg := newTestRegistry(t)

	out, err := run(t, reg, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "bull-a")

	// probes registered at startup only; the stub providers are added later
	out, err = run(t, reg, "health", "--json")
	require.NoError(t, err)
	var h resilience.SystemHealth
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	require.Len(t, h.Components, 1)
	assert.Equal(t, resilience.HealthStatusHealthy, h.Components[0].Status)
}
