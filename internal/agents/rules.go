package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"tradebridge/internal/models"
)

// RuleProvider is a deterministic, offline voter that scores the indicators
// and levels in the market context. It costs nothing and never times out,
// which makes it a useful baseline in every preset.
type RuleProvider struct {
	model string
}

// NewRuleProvider creates a rule provider. model labels the rule set version.
func NewRuleProvider(model string) *RuleProvider {
	if model == "" {
		model = "indicators-v1"
	}
	return &RuleProvider{model: model}
}

// Name returns the provider name.
func (p *RuleProvider) Name() string { return "rules" }

// Model returns the rule set label.
func (p *RuleProvider) Model() string { return p.model }

// CostModel is free.
func (p *RuleProvider) CostModel() CostModel { return CostModel{} }

// HealthCheck always succeeds.
func (p *RuleProvider) HealthCheck(context.Context) error { return nil }

// Analyze scores the context on [-100,100] and maps the score to a vote.
func (p *RuleProvider) Analyze(_ context.Context, mctx models.MarketContext) (*models.AIAnalysis, error) {
	started := time.Now()
	price := mctx.CurrentPrice
	if price <= 0 && len(mctx.Candles) > 0 {
		price = mctx.Candles[len(mctx.Candles)-1].Close
	}
	if price <= 0 {
		return nil, fmt.Errorf("market context has no price")
	}

	s := &ruleScore{}
	s.indicators(mctx.Indicators, price)
	s.momentum(mctx.Candles)
	s.levels(price, mctx.SupportLevels, mctx.ResistanceLevels)

	total := clampScore(s.indicatorScore*0.5+s.momentumScore*0.2+s.levelScore*0.3, -100, 100)

	vote := &models.AIAnalysis{
		Provider:   p.Name(),
		Model:      p.model,
		Confidence: models.ClampConfidence(50 + math.Abs(total)/2),
		KeyFactors: s.factors,
		Risks:      s.risks,
	}

	var reasoning strings.Builder
	switch {
	case total >= 40:
		vote.Direction = models.DirectionBuy
		reasoning.WriteString("Bullish signals detected. ")
	case total <= -40:
		vote.Direction = models.DirectionSell
		reasoning.WriteString("Bearish signals detected. ")
	default:
		vote.Direction = models.DirectionHold
		reasoning.WriteString("Mixed signals, no clear direction. ")
	}
	reasoning.WriteString(fmt.Sprintf("Composite score %.1f.", total))
	vote.Reasoning = reasoning.String()

	if vote.Direction != models.DirectionHold {
		setTradeLevels(vote, price, mctx.SupportLevels, mctx.ResistanceLevels)
	}
	vote.ProcessingTime = time.Since(started)
	return vote, nil
}

type ruleScore struct {
	indicatorScore float64
	momentumScore  float64
	levelScore     float64
	factors        []string
	risks          []string
}

func indicator(ind map[string]float64, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := ind[k]; ok {
			return v, true
		}
	}
	return 0, false
}

func (s *ruleScore) indicators(ind map[string]float64, price float64) {
	if len(ind) == 0 {
		return
	}
	var score float64

	if rsi, ok := indicator(ind, "rsi", "rsi_14", "RSI"); ok {
		switch {
		case rsi <= 30:
			score += 40
			s.factors = append(s.factors, fmt.Sprintf("RSI oversold (%.0f)", rsi))
		case rsi >= 70:
			score -= 40
			s.factors = append(s.factors, fmt.Sprintf("RSI overbought (%.0f)", rsi))
		default:
			score += (50 - rsi) / 2
		}
	}

	macd, okM := indicator(ind, "macd", "MACD")
	signal, okS := indicator(ind, "macd_signal", "MACD_signal")
	if okM && okS {
		if macd > signal {
			score += 30
			s.factors = append(s.factors, "MACD above signal")
		} else if macd < signal {
			score -= 30
			s.factors = append(s.factors, "MACD below signal")
		}
	}

	if sma, ok := indicator(ind, "sma_50", "sma50", "ema_50", "ema50"); ok && sma > 0 {
		if price > sma {
			score += 30
			s.factors = append(s.factors, "price above 50-period average")
		} else if price < sma {
			score -= 30
			s.factors = append(s.factors, "price below 50-period average")
		}
	}

	if atr, ok := indicator(ind, "atr", "atr_14", "ATR"); ok && atr/price > 0.03 {
		s.risks = append(s.risks, "elevated volatility")
	}

	s.indicatorScore = clampScore(score, -100, 100)
}

// momentum compares the last close with the close ten bars back.
func (s *ruleScore) momentum(candles []models.Candle) {
	if len(candles) < 2 {
		return
	}
	lookback := 10
	if len(candles)-1 < lookback {
		lookback = len(candles) - 1
	}
	first := candles[len(candles)-1-lookback].Close
	last := candles[len(candles)-1].Close
	if first <= 0 {
		return
	}
	change := (last - first) / first * 100
	// 5% over the window saturates the score
	s.momentumScore = clampScore(change*20, -100, 100)
	if math.Abs(change) >= 1 {
		s.factors = append(s.factors, fmt.Sprintf("%+.1f%% over last %d bars", change, lookback))
	}
}

// levels scores proximity to support (bullish) and resistance (bearish).
func (s *ruleScore) levels(price float64, support, resistance []float64) {
	var score float64
	if sup, ok := nearestBelow(price, support); ok && (price-sup)/price < 0.02 {
		score += 60
		s.factors = append(s.factors, fmt.Sprintf("near support %.5g", sup))
	}
	if res, ok := nearestAbove(price, resistance); ok && (res-price)/price < 0.02 {
		score -= 60
		s.factors = append(s.factors, fmt.Sprintf("near resistance %.5g", res))
		if score == 0 {
			s.risks = append(s.risks, "price squeezed between support and resistance")
		}
	}
	s.levelScore = clampScore(score, -100, 100)
}

// setTradeLevels places the stop beyond the nearest level, or 2% away, and
// the target at the opposite level, or 2% away.
func setTradeLevels(vote *models.AIAnalysis, price float64, support, resistance []float64) {
	vote.Entry = models.Float(price)
	sup, hasSup := nearestBelow(price, support)
	res, hasRes := nearestAbove(price, resistance)

	if vote.Direction == models.DirectionBuy {
		if hasSup {
			vote.StopLoss = models.Float(sup * 0.99)
		} else {
			vote.StopLoss = models.Float(price * 0.98)
		}
		if hasRes {
			vote.TakeProfit = models.Float(res)
		} else {
			vote.TakeProfit = models.Float(price * 1.02)
		}
	} else {
		if hasRes {
			vote.StopLoss = models.Float(res * 1.01)
		} else {
			vote.StopLoss = models.Float(price * 1.02)
		}
		if hasSup {
			vote.TakeProfit = models.Float(sup)
		} else {
			vote.TakeProfit = models.Float(price * 0.98)
		}
	}

	if rr := models.CalculateRiskReward(vote.Direction, *vote.Entry, *vote.StopLoss, *vote.TakeProfit); rr > 0 {
		vote.RiskReward = models.Float(rr)
	}
}

func nearestBelow(price float64, levels []float64) (float64, bool) {
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i] > 0 && sorted[i] < price {
			return sorted[i], true
		}
	}
	return 0, false
}

func nearestAbove(price float64, levels []float64) (float64, bool) {
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)
	for _, l := range sorted {
		if l > price {
			return l, true
		}
	}
	return 0, false
}

func clampScore(value, minVal, maxVal float64) float64 {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
