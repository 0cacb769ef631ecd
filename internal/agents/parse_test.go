package agents

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/models"
)

func TestParseAnalysisJSONInsideFence(t *testing.T) {
	raw := "Here is my view:\n```json\n" + `{
  "direction": "buy",
  "confidence": 78,
  "entry": 1.0850,
  "stop_loss": "1.0800",
  "take_profit": 1.0950,
  "reasoning": "Higher lows on H4.",
  "key_factors": ["higher lows", "USD weakness"],
  "risks": ["ECB speakers"]
}` + "\n```"

	vote := ParseAnalysis("openai", "gpt-4o", raw)
	require.False(t, vote.Error)
	assert.Equal(t, "openai", vote.Provider)
	assert.Equal(t, models.DirectionBuy, vote.Direction)
	assert.Equal(t, 78.0, vote.Confidence)
	require.NotNil(t, vote.StopLoss)
	assert.Equal(t, 1.08, *vote.StopLoss)
	require.NotNil(t, vote.RiskReward)
	assert.InDelta(t, 2.0, *vote.RiskReward, 1e-6)
	assert.Equal(t, []string{"higher lows", "USD weakness"}, vote.KeyFactors)
	assert.Equal(t, raw, vote.RawResponse)
}

func TestParseAnalysisMissingFieldsAreNil(t *testing.T) {
	vote := ParseAnalysis("deepseek", "deepseek-chat", `{"recommendation": "STRONG_SELL", "confidence": 0.65}`)
	require.False(t, vote.Error)
	assert.Equal(t, models.DirectionSell, vote.Direction)
	assert.InDelta(t, 65.0, vote.Confidence, 1e-9)
	assert.Nil(t, vote.Entry)
	assert.Nil(t, vote.StopLoss)
	assert.Nil(t, vote.TakeProfit)
	assert.Nil(t, vote.RiskReward)
}

func TestParseAnalysisTextFallback(t *testing.T) {
	raw := `**RECOMMENDATION:** SELL
CONFIDENCE: 72%
ENTRY: 2,345.50
STOPLOSS: 2360
TARGET1: 2310
TARGET2: 2290
REASONING: Rejected at the weekly high.
RISKS: FOMC minutes; thin liquidity`

	vote := ParseAnalysis("anthropic", "claude", raw)
	require.False(t, vote.Error)
	assert.Equal(t, models.DirectionSell, vote.Direction)
	assert.Equal(t, 72.0, vote.Confidence)
	require.NotNil(t, vote.Entry)
	assert.Equal(t, 2345.5, *vote.Entry)
	require.NotNil(t, vote.TakeProfit)
	assert.Equal(t, 2310.0, *vote.TakeProfit)
	assert.Equal(t, "Rejected at the weekly high.", vote.Reasoning)
	assert.Equal(t, []string{"FOMC minutes", "thin liquidity"}, vote.Risks)
}

func TestParseAnalysisUnreadableIsErrorVote(t *testing.T) {
	vote := ParseAnalysis("openai", "gpt-4o", "I cannot help with that.")
	assert.True(t, vote.Error)
	assert.Equal(t, models.DirectionHold, vote.Direction)
	assert.Zero(t, vote.Confidence)
	assert.Equal(t, "I cannot help with that.", vote.RawResponse)
}

func TestParseAnalysisNeutralIsHold(t *testing.T) {
	vote := ParseAnalysis("openai", "gpt-4o", `{"direction": "NEUTRAL", "confidence": 40}`)
	require.False(t, vote.Error)
	assert.Equal(t, models.DirectionHold, vote.Direction)
}

// Property: parsing never panics, confidence always lands in [0,100] and a
// non-error vote always has one of the three directions.
func TestProperty_ParseAnalysisIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("any reply yields a bounded vote", prop.ForAll(
		func(prefix string, conf float64, dir string) bool {
			raw := prefix + "\nDIRECTION: " + dir + "\nCONFIDENCE: " + strconv.FormatFloat(conf, 'f', -1, 64)
			vote := ParseAnalysis("p", "m", raw)
			if vote.Confidence < 0 || vote.Confidence > 100 {
				return false
			}
			switch vote.Direction {
			case models.DirectionBuy, models.DirectionSell, models.DirectionHold:
			default:
				return false
			}
			return vote.Error || vote.Provider == "p"
		},
		gen.AnyString(),
		gen.Float64Range(-50, 500),
		gen.OneConstOf("BUY", "sell", "Hold", "long", "maybe"),
	))

	properties.TestingRun(t)
}
