package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/agents"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/models"
	"tradebridge/internal/notify"
	"tradebridge/internal/store"
)

// feed is a paper account that serves a fixed candle history.
type feed struct {
	*broker.PaperBroker
	candles []models.Candle
}

func (f *feed) GetCandles(ctx context.Context, req broker.CandleRequest) ([]models.Candle, error) {
	return f.candles, nil
}

type stubProvider struct {
	name string
	dir  models.Direction
}

func (s stubProvider) Name() string  { return s.name }
func (s stubProvider) Model() string { return "stub-1" }

func (s stubProvider) Analyze(ctx context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	return &models.AIAnalysis{
		Provider:   s.name,
		Model:      "stub-1",
		Direction:  s.dir,
		Confidence: 80,
		Entry:      models.Float(100),
		StopLoss:   models.Float(95),
		TakeProfit: models.Float(110),
		Reasoning:  "trend is up",
	}, nil
}

func (s stubProvider) HealthCheck(ctx context.Context) error { return nil }
func (s stubProvider) CostModel() agents.CostModel          { return agents.CostModel{} }

func history(n int) []models.Candle {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, n)
	for i := range out {
		c := 90 + float64(i)*0.2
		out[i] = models.Candle{
			Symbol: "AAPL", Timeframe: models.TimeframeH1,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      c - 0.1, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000,
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			DefaultWorkspace: "sim",
			Workspaces: map[string]config.WorkspaceConfig{
				"sim": {Type: "paper", Environment: "paper", Balance: 10000},
			},
		},
		Consensus: config.ConsensusConfig{Method: "majority", MinConfidence: 50, MinAgreement: 50},
		Orchestrator: config.OrchestratorConfig{
			Timeout: time.Second,
			Presets: map[string][]string{"quick": {"rules"}},
		},
		Risk:      config.RiskConfig{MaxPositionPercent: 10, MaxConcurrentPositions: 5, MinRiskReward: 1.5, MinFreeMarginPercent: 20},
		Store:     config.StoreConfig{Path: filepath.Join(t.TempDir(), "data", "tradebridge.db")},
		Providers: config.ProvidersConfig{"rules": {Enabled: true}},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *broker.PaperBroker, []models.Candle) {
	t.Helper()
	r, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	require.NotNil(t, r.Store)

	paper := broker.NewPaperBroker(broker.PaperConfig{InitialBalance: 10000}, zerolog.Nop())
	paper.UpdatePrice(models.Tick{Symbol: "AAPL", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()})
	candles := history(60)
	r.Brokers.Register("paper", func(f *broker.Factory, name string, ws config.WorkspaceConfig) (broker.Broker, error) {
		return &feed{PaperBroker: paper, candles: candles}, nil
	})

	r.Orchestrator.Register(stubProvider{name: "bull-a", dir: models.DirectionBuy})
	r.Orchestrator.Register(stubProvider{name: "bull-b", dir: models.DirectionBuy})
	return r, paper, candles
}

func TestAnalyzeExecutesAndRecords(t *testing.T) {
	r, paper, candles := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Analyze(ctx, AnalyzeRequest{
		Symbol:    "AAPL",
		Timeframe: models.TimeframeH1,
		Providers: []string{"bull-a", "bull-b"},
		Execute:   true,
		Size:      5,
	})
	require.NoError(t, err)

	assert.Equal(t, "sim", res.Workspace)
	assert.InDelta(t, 100.0, res.Context.CurrentPrice, 1e-9)
	assert.Contains(t, res.Context.Indicators, "rsi")

	d := res.Decision
	assert.Equal(t, models.DirectionBuy, d.Direction)
	assert.True(t, d.ShouldTrade)
	assert.Equal(t, 2, d.ValidVotes)

	require.NotNil(t, res.Execution)
	require.NotNil(t, res.Execution.Order)
	assert.Equal(t, models.OrderStatusFilled, res.Execution.Order.Status)

	positions, err := paper.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 5.0, positions[0].Size)

	rows, err := r.Store.ListConsensus(ctx, store.DecisionFilter{Workspace: "sim"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, d.ID, rows[0].ID)
	assert.Equal(t, res.Execution.Order.OrderID, rows[0].OrderID)

	cached, err := r.Store.GetCandles(ctx, "sim", "AAPL", models.TimeframeH1, candles[0].Timestamp, candles[len(candles)-1].Timestamp)
	require.NoError(t, err)
	assert.Len(t, cached, len(candles))
}

func TestAnalyzeWithoutExecute(t *testing.T) {
	r, paper, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Analyze(ctx, AnalyzeRequest{Symbol: "AAPL", Providers: []string{"bull-a", "bull-b"}})
	require.NoError(t, err)
	assert.True(t, res.Decision.ShouldTrade)
	assert.Nil(t, res.Execution)

	positions, err := paper.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	stored, err := r.Store.GetConsensus(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Votes, 2)
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Analyze(ctx, AnalyzeRequest{Symbol: "AAPL", Timeframe: "H7"})
	assert.Error(t, err)

	_, err = r.Analyze(ctx, AnalyzeRequest{Workspace: "nope", Symbol: "AAPL"})
	assert.Error(t, err)

	_, err = r.Analyze(ctx, AnalyzeRequest{Symbol: "AAPL; DROP"})
	assert.Error(t, err)
}

func TestProviderNames(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	names, err := r.ProviderNames("", []string{"bull-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bull-a"}, names)

	names, err = r.ProviderNames("quick", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"rules"}, names)

	_, err = r.ProviderNames("missing", nil)
	assert.Error(t, err)

	names, err = r.ProviderNames("", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bull-a", "bull-b", "rules"}, names)
}

func TestHealthMonitors(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	h := r.BrokerHealth.Check(context.Background())
	require.Len(t, h.Components, 1)
	assert.Equal(t, "sim", h.Components[0].Name)

	p := r.ProviderHealth.Check(context.Background())
	require.Len(t, p.Components, 1)
	assert.Equal(t, "rules", p.Components[0].Name)
}

func TestAnalyzeNotifiesWebhook(t *testing.T) {
	var mu sync.Mutex
	var types []notify.Type
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var n struct {
			Type notify.Type `json:"type"`
		}
		_ = json.NewDecoder(req.Body).Decode(&n)
		mu.Lock()
		types = append(types, n.Type)
		mu.Unlock()
	}))
	defer srv.Close()

	r, _, _ := newTestRegistry(t)
	r.Notifier = notify.New(config.NotifyConfig{
		Enabled: true,
		Level:   "trades_only",
		Webhook: config.WebhookConfig{URL: srv.URL, Timeout: time.Second},
	}, zerolog.Nop())

	_, err := r.Analyze(context.Background(), AnalyzeRequest{
		Symbol:    "AAPL",
		Providers: []string{"bull-a", "bull-b"},
		Execute:   true,
		Size:      1,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []notify.Type{notify.TypeDecision, notify.TypeExecution}, types)
}
