package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(id, symbol string, shouldTrade bool, at time.Time) *models.ConsensusResult {
	return &models.ConsensusResult{
		ID:             id,
		Symbol:         symbol,
		Timeframe:      models.TimeframeH1,
		Method:         models.MethodWeighted,
		Direction:      models.DirectionBuy,
		Confidence:     73.7,
		ShouldTrade:    shouldTrade,
		VoteCounts:     map[models.Direction]int{models.DirectionBuy: 2, models.DirectionHold: 1},
		ValidVotes:     3,
		TotalVotes:     4,
		AgreementLevel: models.AgreementModerate,
		Entry:          models.Float(1.1),
		TotalCost:      0.0042,
		Votes: []models.AIAnalysis{
			{Provider: "openai", Direction: models.DirectionBuy, Confidence: 80, ProcessingTime: 1200 * time.Millisecond},
			{Provider: "deepseek", Direction: models.DirectionBuy, Confidence: 60},
			{Provider: "rules", Direction: models.DirectionHold, Confidence: 50},
			models.ErrorVote("anthropic", "claude", "timeout"),
		},
		ProvidersFailed: []string{"anthropic"},
		CreatedAt:       at,
	}
}

func TestConsensusAuditLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveConsensus(ctx, "paper", sampleResult("A", "EUR_USD", true, base)))
	require.NoError(t, s.SaveConsensus(ctx, "paper", sampleResult("B", "EUR_USD", false, base.Add(time.Minute))))
	require.NoError(t, s.SaveConsensus(ctx, "alpaca", sampleResult("C", "AAPL", true, base.Add(2*time.Minute))))

	got, err := s.GetConsensus(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "EUR_USD", got.Symbol)
	require.Len(t, got.Votes, 4)
	require.Equal(t, 2, got.VoteCounts[models.DirectionBuy])
	require.InDelta(t, 1.1, *got.Entry, 1e-9)

	all, err := s.ListConsensus(ctx, DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "C", all[0].ID, "newest first")

	tradeable := true
	onlyTrades, err := s.ListConsensus(ctx, DecisionFilter{Workspace: "paper", ShouldTrade: &tradeable})
	require.NoError(t, err)
	require.Len(t, onlyTrades, 1)
	require.Equal(t, "A", onlyTrades[0].ID)

	require.NoError(t, s.MarkExecuted(ctx, "A", "order-1"))
	bySymbol, err := s.ListConsensus(ctx, DecisionFilter{Symbol: "EUR_USD", Limit: 1})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	require.Equal(t, "B", bySymbol[0].ID)

	require.Error(t, s.MarkExecuted(ctx, "missing", "x"))
	_, err = s.GetConsensus(ctx, "missing")
	require.Error(t, err)
}

func TestSaveConsensus_ReplacesVotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := sampleResult("A", "EUR_USD", true, time.Now())
	require.NoError(t, s.SaveConsensus(ctx, "paper", r))
	require.NoError(t, s.SaveConsensus(ctx, "paper", r))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM consensus_votes WHERE consensus_id = 'A'`).Scan(&n))
	require.Equal(t, 4, n)
}

func TestProvisionedAccounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.GetProvisionedAccount(ctx, "metaapi", "123456", "Broker-Demo")
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, s.SaveProvisionedAccount(ctx, "metaapi", "123456", "Broker-Demo", "acc-1"))
	id, err = s.GetProvisionedAccount(ctx, "metaapi", "123456", "Broker-Demo")
	require.NoError(t, err)
	require.Equal(t, "acc-1", id)

	id, err = s.GetProvisionedAccount(ctx, "metaapi", "123456", "Broker-Live")
	require.NoError(t, err)
	require.Empty(t, id)
}

// Property: For any valid candle data, saving candles to the cache and then
// reading them back over their time range returns equivalent candles.
func TestProperty_CandleRoundTripConsistency(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("save then load produces equivalent candles", prop.ForAll(
		func(count int, basePrice float64, tf models.Timeframe) bool {
			ctx := context.Background()
			seq++
			symbol := fmt.Sprintf("SYM_%d", seq)

			start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			candles := make([]models.Candle, count)
			for i := range candles {
				p := basePrice + float64(i)
				candles[i] = models.Candle{
					Symbol: symbol, Timeframe: tf,
					Timestamp: start.Add(time.Duration(i) * tf.Duration()),
					Open:      p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: float64(100 * (i + 1)),
				}
			}

			if err := s.SaveCandles(ctx, "paper", candles); err != nil {
				t.Logf("save: %v", err)
				return false
			}
			got, err := s.GetCandles(ctx, "paper", symbol, tf, start, candles[count-1].Timestamp)
			if err != nil || len(got) != count {
				return false
			}
			for i := range got {
				if !got[i].Timestamp.Equal(candles[i].Timestamp) ||
					math.Abs(got[i].Close-candles[i].Close) > 1e-9 ||
					math.Abs(got[i].Volume-candles[i].Volume) > 1e-9 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.Float64Range(1, 5000),
		gen.OneConstOf(models.TimeframeM1, models.TimeframeM15, models.TimeframeH1, models.TimeframeD),
	))

	properties.TestingRun(t)
}
