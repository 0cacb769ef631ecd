package models

import (
	"math"
	"time"
)

// Direction is a trading recommendation.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// ParseDirection maps loose vendor wording onto a Direction. Unknown input is HOLD.
func ParseDirection(s string) Direction {
	switch s {
	case "BUY", "buy", "Buy", "LONG", "long", "Long", "STRONG_BUY", "strong_buy":
		return DirectionBuy
	case "SELL", "sell", "Sell", "SHORT", "short", "Short", "STRONG_SELL", "strong_sell":
		return DirectionSell
	}
	return DirectionHold
}

// OrderSide returns the order side for an actionable direction.
func (d Direction) OrderSide() (OrderSide, bool) {
	switch d {
	case DirectionBuy:
		return OrderSideBuy, true
	case DirectionSell:
		return OrderSideSell, true
	}
	return "", false
}

// AIAnalysis is a single provider's vote for one analysis round.
// A failed call still produces a vote: HOLD, confidence 0, Error set.
type AIAnalysis struct {
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	Direction      Direction     `json:"direction"`
	Confidence     float64       `json:"confidence"`
	Entry          *float64      `json:"entry,omitempty"`
	StopLoss       *float64      `json:"stop_loss,omitempty"`
	TakeProfit     *float64      `json:"take_profit,omitempty"`
	RiskReward     *float64      `json:"risk_reward,omitempty"`
	Reasoning      string        `json:"reasoning"`
	KeyFactors     []string      `json:"key_factors,omitempty"`
	Risks          []string      `json:"risks,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	Cost           float64       `json:"cost"`
	RawResponse    string        `json:"raw_response,omitempty"`
	Error          bool          `json:"error"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// ErrorVote builds the synthetic vote recorded when a provider fails.
func ErrorVote(provider, model, message string) AIAnalysis {
	return AIAnalysis{
		Provider:     provider,
		Model:        model,
		Direction:    DirectionHold,
		Confidence:   0,
		Error:        true,
		ErrorMessage: message,
	}
}

// Valid reports whether the vote counts toward consensus.
func (a AIAnalysis) Valid() bool {
	return !a.Error
}

// Finite reports whether every numeric field of the vote is a real number.
func (a AIAnalysis) Finite() bool {
	for _, f := range []float64{a.Confidence, a.Cost} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	for _, p := range []*float64{a.Entry, a.StopLoss, a.TakeProfit, a.RiskReward} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return false
		}
	}
	return true
}

// ConsensusMethod selects the aggregation rule.
type ConsensusMethod string

const (
	MethodMajority            ConsensusMethod = "majority"
	MethodWeighted            ConsensusMethod = "weighted"
	MethodConfidenceThreshold ConsensusMethod = "confidence_threshold"
	MethodUnanimous           ConsensusMethod = "unanimous"
	MethodSupermajority       ConsensusMethod = "supermajority"
)

// IsValid reports whether m is a known method.
func (m ConsensusMethod) IsValid() bool {
	switch m {
	case MethodMajority, MethodWeighted, MethodConfidenceThreshold, MethodUnanimous, MethodSupermajority:
		return true
	}
	return false
}

// AgreementLevel buckets the agreement percentage.
type AgreementLevel string

const (
	AgreementUnanimous AgreementLevel = "unanimous"
	AgreementStrong    AgreementLevel = "strong"
	AgreementModerate  AgreementLevel = "moderate"
	AgreementWeak      AgreementLevel = "weak"
	AgreementSplit     AgreementLevel = "split"
)

// AgreementLevelFor maps a percentage in [0,100] to its bucket.
func AgreementLevelFor(pct float64) AgreementLevel {
	switch {
	case pct >= 100:
		return AgreementUnanimous
	case pct >= 80:
		return AgreementStrong
	case pct >= 60:
		return AgreementModerate
	case pct >= 40:
		return AgreementWeak
	default:
		return AgreementSplit
	}
}

// ConsensusResult is the aggregate decision for one analysis round.
type ConsensusResult struct {
	ID                  string            `json:"id"`
	Symbol              string            `json:"symbol"`
	Timeframe           Timeframe         `json:"timeframe"`
	Method              ConsensusMethod   `json:"method"`
	Direction           Direction         `json:"direction"`
	Confidence          float64           `json:"confidence"`
	ShouldTrade         bool              `json:"should_trade"`
	VoteCounts          map[Direction]int `json:"vote_counts"`
	ValidVotes          int               `json:"valid_votes"`
	TotalVotes          int               `json:"total_votes"`
	AgreementLevel      AgreementLevel    `json:"agreement_level"`
	AgreementPercentage float64           `json:"agreement_percentage"`
	Entry               *float64          `json:"entry,omitempty"`
	StopLoss            *float64          `json:"stop_loss,omitempty"`
	TakeProfit          *float64          `json:"take_profit,omitempty"`
	RiskReward          *float64          `json:"risk_reward,omitempty"`
	KeyFactors          []string          `json:"key_factors,omitempty"`
	Risks               []string          `json:"risks,omitempty"`
	Reasoning           string            `json:"reasoning"`
	Votes               []AIAnalysis      `json:"votes"`
	TotalCost           float64           `json:"total_cost"`
	TotalTokens         int               `json:"total_tokens"`
	TotalLatency        time.Duration     `json:"total_latency"`
	ProvidersUsed       []string          `json:"providers_used"`
	ProvidersFailed     []string          `json:"providers_failed"`
	CreatedAt           time.Time         `json:"created_at"`
}

// MarketContext is everything a provider is shown for one analysis round.
type MarketContext struct {
	Symbol           string             `json:"symbol"`
	Timeframe        Timeframe          `json:"timeframe"`
	CurrentPrice     float64            `json:"current_price"`
	Bid              float64            `json:"bid,omitempty"`
	Ask              float64            `json:"ask,omitempty"`
	Indicators       map[string]float64 `json:"indicators,omitempty"`
	Candles          []Candle           `json:"candles,omitempty"`
	SupportLevels    []float64          `json:"support_levels,omitempty"`
	ResistanceLevels []float64          `json:"resistance_levels,omitempty"`
	Session          string             `json:"session,omitempty"`
	Notes            string             `json:"notes,omitempty"`
}

// CalculateRiskReward returns reward/risk for a long or short setup, or 0 when
// the levels are inconsistent.
func CalculateRiskReward(direction Direction, entry, stopLoss, takeProfit float64) float64 {
	var risk, reward float64
	switch direction {
	case DirectionBuy:
		risk = entry - stopLoss
		reward = takeProfit - entry
	case DirectionSell:
		risk = stopLoss - entry
		reward = entry - takeProfit
	default:
		return 0
	}
	if risk <= 0 || reward <= 0 {
		return 0
	}
	return reward / risk
}

// ClampConfidence bounds a confidence to [0,100]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
