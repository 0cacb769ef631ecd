package consensus

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/models"
)

func engineWith(method models.ConsensusMethod) *Engine {
	cfg := DefaultConfig()
	cfg.Method = method
	return NewEngine(cfg, zerolog.Nop())
}

func vote(provider string, dir models.Direction, conf float64) models.AIAnalysis {
	return models.AIAnalysis{Provider: provider, Model: provider + "-m", Direction: dir, Confidence: conf}
}

func withLevels(v models.AIAnalysis, entry, sl, tp float64) models.AIAnalysis {
	v.Entry, v.StopLoss, v.TakeProfit = models.Float(entry), models.Float(sl), models.Float(tp)
	return v
}

func TestWeightedScenario(t *testing.T) {
	r := engineWith(models.MethodWeighted).Aggregate([]models.AIAnalysis{
		vote("openai", models.DirectionBuy, 80),
		vote("anthropic", models.DirectionBuy, 60),
		vote("deepseek", models.DirectionHold, 50),
	})

	assert.Equal(t, models.DirectionBuy, r.Direction)
	assert.InDelta(t, 73.7, r.Confidence, 0.05)
	assert.Equal(t, 2, r.VoteCounts[models.DirectionBuy])
	assert.Equal(t, 1, r.VoteCounts[models.DirectionHold])
	assert.InDelta(t, 66.67, r.AgreementPercentage, 0.01)
	assert.Equal(t, models.AgreementModerate, r.AgreementLevel)
	assert.True(t, r.ShouldTrade)
}

func TestSupermajorityScenario(t *testing.T) {
	votes := []models.AIAnalysis{
		vote("a", models.DirectionBuy, 70),
		vote("b", models.DirectionBuy, 72),
		vote("c", models.DirectionBuy, 74),
		vote("d", models.DirectionBuy, 76),
		vote("e", models.DirectionSell, 90),
	}
	r := engineWith(models.MethodSupermajority).Aggregate(votes)
	assert.Equal(t, models.DirectionBuy, r.Direction)
	assert.InDelta(t, 73.0, r.Confidence, 1e-9)
	assert.InDelta(t, 80.0, r.AgreementPercentage, 1e-9)
	assert.Equal(t, models.AgreementStrong, r.AgreementLevel)

	// 3 of 5 is below two thirds
	votes[3].Direction = models.DirectionSell
	r = engineWith(models.MethodSupermajority).Aggregate(votes)
	assert.Equal(t, models.DirectionHold, r.Direction)
	assert.False(t, r.ShouldTrade)
}

func TestMajorityTieIsHold(t *testing.T) {
	r := engineWith(models.MethodMajority).Aggregate([]models.AIAnalysis{
		vote("a", models.DirectionBuy, 90),
		vote("b", models.DirectionSell, 90),
	})
	assert.Equal(t, models.DirectionHold, r.Direction)
	assert.Zero(t, r.Confidence)
	assert.False(t, r.ShouldTrade)
}

func TestConfidenceThresholdDropsLowVotes(t *testing.T) {
	r := engineWith(models.MethodConfidenceThreshold).Aggregate([]models.AIAnalysis{
		vote("a", models.DirectionSell, 85),
		vote("b", models.DirectionBuy, 60),
		vote("c", models.DirectionBuy, 65),
	})
	assert.Equal(t, models.DirectionSell, r.Direction)
	assert.Equal(t, 85.0, r.Confidence)
	// agreement is measured against every valid vote
	assert.InDelta(t, 33.33, r.AgreementPercentage, 0.01)
	assert.False(t, r.ShouldTrade)
}

func TestUnanimousRequiresEveryVote(t *testing.T) {
	votes := []models.AIAnalysis{
		vote("a", models.DirectionBuy, 80),
		vote("b", models.DirectionBuy, 70),
	}
	r := engineWith(models.MethodUnanimous).Aggregate(votes)
	assert.Equal(t, models.DirectionBuy, r.Direction)
	assert.Equal(t, models.AgreementUnanimous, r.AgreementLevel)

	votes = append(votes, vote("c", models.DirectionHold, 40))
	r = engineWith(models.MethodUnanimous).Aggregate(votes)
	assert.Equal(t, models.DirectionHold, r.Direction)
	assert.Equal(t, 40.0, r.Confidence)
}

func TestPriceLevelsUseUniformMeanEvenWhenWeighted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{"heavy": 10, "light": 1}
	e := NewEngine(cfg, zerolog.Nop())

	r := e.Aggregate([]models.AIAnalysis{
		withLevels(vote("heavy", models.DirectionBuy, 90), 100, 95, 110),
		withLevels(vote("light", models.DirectionBuy, 90), 110, 105, 130),
	})
	require.NotNil(t, r.Entry)
	// unweighted: (100+110)/2, not (10*100+110)/11
	assert.InDelta(t, 105.0, *r.Entry, 1e-9)
	assert.InDelta(t, 100.0, *r.StopLoss, 1e-9)
	assert.InDelta(t, 120.0, *r.TakeProfit, 1e-9)
	require.NotNil(t, r.RiskReward)
	assert.InDelta(t, 3.0, *r.RiskReward, 1e-9)
}

func TestTimeoutVoteExcludedFromAveraging(t *testing.T) {
	timeout := models.ErrorVote("slow", "slow-m", "timeout")
	timeout.Entry = models.Float(1e6)
	timeout.KeyFactors = []string{"should not appear"}

	r := engineWith(models.MethodMajority).Aggregate([]models.AIAnalysis{
		withLevels(vote("a", models.DirectionBuy, 80), 1.08, 1.07, 1.10),
		timeout,
		withLevels(vote("b", models.DirectionBuy, 70), 1.09, 1.08, 1.11),
	})
	assert.Equal(t, models.DirectionBuy, r.Direction)
	assert.InDelta(t, 75.0, r.Confidence, 1e-9)
	assert.InDelta(t, 1.085, *r.Entry, 1e-9)
	assert.Equal(t, 2, r.ValidVotes)
	assert.Equal(t, 3, r.TotalVotes)
	assert.Equal(t, []string{"slow"}, r.ProvidersFailed)
	assert.Equal(t, []string{"a", "b"}, r.ProvidersUsed)
	assert.NotContains(t, r.KeyFactors, "should not appear")
	assert.InDelta(t, 100.0, r.AgreementPercentage, 1e-9)
}

func TestZeroValidVotes(t *testing.T) {
	r := engineWith(models.MethodWeighted).Aggregate([]models.AIAnalysis{
		models.ErrorVote("openai", "gpt", "timeout"),
		models.ErrorVote("anthropic", "claude", "401"),
	})
	assert.Equal(t, models.DirectionHold, r.Direction)
	assert.False(t, r.ShouldTrade)
	assert.Zero(t, r.ValidVotes)
	assert.Equal(t, 2, r.TotalVotes)
	assert.Equal(t, []string{"anthropic", "openai"}, r.ProvidersFailed)

	empty := engineWith(models.MethodWeighted).Aggregate(nil)
	assert.Equal(t, models.DirectionHold, empty.Direction)
	assert.Zero(t, empty.TotalVotes)
}

func TestRiskRewardGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireRiskReward = true
	cfg.MinRiskReward = 2
	e := NewEngine(cfg, zerolog.Nop())

	poor := e.Aggregate([]models.AIAnalysis{withLevels(vote("a", models.DirectionBuy, 90), 100, 95, 105)})
	assert.False(t, poor.ShouldTrade)

	good := e.Aggregate([]models.AIAnalysis{withLevels(vote("a", models.DirectionBuy, 90), 100, 95, 112)})
	assert.True(t, good.ShouldTrade)

	missing := e.Aggregate([]models.AIAnalysis{vote("a", models.DirectionBuy, 90)})
	assert.False(t, missing.ShouldTrade)
}

func TestKeyFactorsDedupAndReasoning(t *testing.T) {
	a := vote("b-provider", models.DirectionSell, 80)
	a.KeyFactors = []string{"Double top", "weak breadth"}
	a.Reasoning = "Exhaustion."
	b := vote("a-provider", models.DirectionSell, 75)
	b.KeyFactors = []string{"double top", "USD strength"}
	b.Reasoning = "Dollar bid."
	c := vote("c-provider", models.DirectionBuy, 60)
	c.KeyFactors = []string{"dissent"}

	r := engineWith(models.MethodMajority).Aggregate([]models.AIAnalysis{a, b, c})
	assert.Equal(t, []string{"double top", "USD strength", "weak breadth"}, r.KeyFactors)
	assert.Equal(t, "[a-provider] Dollar bid.\n[b-provider] Exhaustion.", r.Reasoning)
}

func TestDecideStampsRound(t *testing.T) {
	e := engineWith(models.MethodMajority)
	fixed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	e.newID = func() string { return "01TEST" }

	r := e.Decide("EUR_USD", models.TimeframeH1, []models.AIAnalysis{vote("a", models.DirectionBuy, 80)})
	assert.Equal(t, "01TEST", r.ID)
	assert.Equal(t, "EUR_USD", r.Symbol)
	assert.Equal(t, models.TimeframeH1, r.Timeframe)
	assert.Equal(t, fixed, r.CreatedAt)
}

func TestUnknownMethodFallsBackToWeighted(t *testing.T) {
	e := NewEngine(Config{Method: "coin_flip"}, zerolog.Nop())
	assert.Equal(t, models.MethodWeighted, e.Method())
	assert.Equal(t, models.MethodUnanimous, e.WithMethod(models.MethodUnanimous).Method())
	assert.Equal(t, models.MethodWeighted, e.Method())
}

var allMethods = []models.ConsensusMethod{
	models.MethodMajority, models.MethodWeighted, models.MethodConfidenceThreshold,
	models.MethodUnanimous, models.MethodSupermajority,
}

var directions = []models.Direction{models.DirectionBuy, models.DirectionSell, models.DirectionHold}

// genVotes builds n votes from a seed: some error votes, the rest spread over
// the three directions with levels set on roughly half.
func genVotes(seed int64, n int) []models.AIAnalysis {
	rng := rand.New(rand.NewSource(seed))
	votes := make([]models.AIAnalysis, n)
	for i := range votes {
		name := string(rune('a' + i))
		if rng.Intn(5) == 0 {
			votes[i] = models.ErrorVote(name, "m", "timeout")
			continue
		}
		v := vote(name, directions[rng.Intn(3)], float64(rng.Intn(101)))
		if rng.Intn(2) == 0 {
			entry := 100 + rng.Float64()*10
			v = withLevels(v, entry, entry-5, entry+10)
		}
		votes[i] = v
	}
	return votes
}

// Property: every valid vote is counted exactly once, error votes only in
// the totals.
func TestProperty_VoteCountConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("counts add up", prop.ForAll(
		func(seed int64, n int, m int) bool {
			votes := genVotes(seed, n)
			r := engineWith(allMethods[m]).Aggregate(votes)
			sum := 0
			for _, c := range r.VoteCounts {
				sum += c
			}
			return sum == r.ValidVotes &&
				r.TotalVotes == len(votes) &&
				r.ValidVotes+len(r.ProvidersFailed) == r.TotalVotes &&
				len(r.ProvidersUsed) == r.ValidVotes
		},
		gen.Int64(),
		gen.IntRange(0, 12),
		gen.IntRange(0, len(allMethods)-1),
	))

	properties.TestingRun(t)
}

// Property: aggregated levels come only from votes agreeing with the result,
// so they always lie within the agreeing votes' range.
func TestProperty_NoDissentLeakage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("entry within agreeing range", prop.ForAll(
		func(seed int64, n int, m int) bool {
			votes := genVotes(seed, n)
			// dissenters and failures carry absurd prices
			r := engineWith(allMethods[m]).Aggregate(votes)
			if r.Entry == nil {
				return true
			}
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, v := range votes {
				if v.Valid() && v.Direction == r.Direction && v.Entry != nil {
					lo = math.Min(lo, *v.Entry)
					hi = math.Max(hi, *v.Entry)
				}
			}
			return *r.Entry >= lo-1e-9 && *r.Entry <= hi+1e-9
		},
		gen.Int64(),
		gen.IntRange(1, 12),
		gen.IntRange(0, len(allMethods)-1),
	))

	properties.Property("order does not matter", prop.ForAll(
		func(seed int64, n int, m int) bool {
			votes := genVotes(seed, n)
			reversed := make([]models.AIAnalysis, len(votes))
			for i, v := range votes {
				reversed[len(votes)-1-i] = v
			}
			e := engineWith(allMethods[m])
			a, b := e.Aggregate(votes), e.Aggregate(reversed)
			return a.Direction == b.Direction &&
				a.Confidence == b.Confidence &&
				a.Reasoning == b.Reasoning &&
				equalPtr(a.Entry, b.Entry)
		},
		gen.Int64(),
		gen.IntRange(1, 12),
		gen.IntRange(0, len(allMethods)-1),
	))

	properties.TestingRun(t)
}

func equalPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Property: a non-HOLD unanimous result means every valid vote agreed, and a
// non-HOLD supermajority result has at least two thirds of valid votes.
func TestProperty_UnanimityAndSupermajority(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("strict unanimity", prop.ForAll(
		func(seed int64, n int) bool {
			votes := genVotes(seed, n)
			r := engineWith(models.MethodUnanimous).Aggregate(votes)
			if r.Direction == models.DirectionHold {
				return true
			}
			for _, v := range votes {
				if v.Valid() && v.Direction != r.Direction {
					return false
				}
			}
			return r.AgreementPercentage == 100
		},
		gen.Int64(),
		gen.IntRange(1, 12),
	))

	properties.Property("supermajority is at least two thirds", prop.ForAll(
		func(seed int64, n int) bool {
			votes := genVotes(seed, n)
			r := engineWith(models.MethodSupermajority).Aggregate(votes)
			if r.Direction == models.DirectionHold {
				return true
			}
			return 3*r.VoteCounts[r.Direction] >= 2*r.ValidVotes
		},
		gen.Int64(),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// Property: under the weighted method, raising the confidence of a vote for
// the winning direction keeps the winner and never lowers the confidence.
func TestProperty_WeightedMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("boosting the winner is monotone", prop.ForAll(
		func(seed int64, n int, bump float64) bool {
			votes := genVotes(seed, n)
			e := engineWith(models.MethodWeighted)
			before := e.Aggregate(votes)
			if before.Direction == models.DirectionHold {
				return true
			}
			for i, v := range votes {
				if v.Valid() && v.Direction == before.Direction {
					votes[i].Confidence = math.Min(100, v.Confidence+bump)
					break
				}
			}
			after := e.Aggregate(votes)
			return after.Direction == before.Direction && after.Confidence >= before.Confidence-1e-9
		},
		gen.Int64(),
		gen.IntRange(1, 12),
		gen.Float64Range(0, 50),
	))

	properties.TestingRun(t)
}
