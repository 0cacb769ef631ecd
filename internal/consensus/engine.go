// Package consensus reconciles provider votes into one trading decision.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradebridge/internal/config"
	"tradebridge/internal/ids"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
)

// Config holds the aggregation rule and trade gates.
type Config struct {
	Method            models.ConsensusMethod
	MinConfidence     float64
	MinAgreement      float64
	ConfidenceFloor   float64 // confidence_threshold only
	RequireRiskReward bool
	MinRiskReward     float64
	Weights           map[string]float64 // per provider, default 1
}

// DefaultConfig returns the defaults used when configuration is silent.
func DefaultConfig() Config {
	return Config{
		Method:          models.MethodWeighted,
		MinConfidence:   60,
		MinAgreement:    60,
		ConfidenceFloor: 70,
		MinRiskReward:   1.5,
	}
}

// FromConfig converts the [consensus] section.
func FromConfig(c config.ConsensusConfig) Config {
	return Config{
		Method:            models.ConsensusMethod(c.Method),
		MinConfidence:     c.MinConfidence,
		MinAgreement:      c.MinAgreement,
		ConfidenceFloor:   c.ConfidenceFloor,
		RequireRiskReward: c.RequireRiskReward,
		MinRiskReward:     c.MinRiskReward,
		Weights:           c.Weights,
	}
}

// Engine aggregates votes. It holds no per-round state and is safe for
// concurrent use.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewEngine creates an engine. An unknown method falls back to weighted.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if !cfg.Method.IsValid() {
		logger.Warn().Str("method", string(cfg.Method)).Msg("Unknown consensus method, using weighted")
		cfg.Method = models.MethodWeighted
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "consensus").Logger(),
		now:    time.Now,
		newID:  ids.New,
	}
}

// Method returns the configured method.
func (e *Engine) Method() models.ConsensusMethod { return e.cfg.Method }

// WithMethod returns a copy of the engine that aggregates with m.
func (e *Engine) WithMethod(m models.ConsensusMethod) *Engine {
	c := *e
	if m.IsValid() {
		c.cfg.Method = m
	}
	return &c
}

// Decide aggregates one round's votes and stamps the result with an id,
// the instrument and the time.
func (e *Engine) Decide(symbol string, tf models.Timeframe, votes []models.AIAnalysis) models.ConsensusResult {
	result := e.Aggregate(votes)
	result.ID = e.newID()
	result.Symbol = symbol
	result.Timeframe = tf
	result.CreatedAt = e.now()

	logging.LogConsensus(e.logger, result.ID, symbol, string(result.Direction), result.Confidence,
		result.ShouldTrade, result.ValidVotes, result.TotalVotes)
	return result
}

// Aggregate reconciles votes into a decision. The outcome depends only on
// the multiset of votes, not their order. Error votes are counted in
// TotalVotes and ProvidersFailed but never contribute to any figure.
func (e *Engine) Aggregate(votes []models.AIAnalysis) models.ConsensusResult {
	sorted := append([]models.AIAnalysis(nil), votes...)
	sort.SliceStable(sorted, func(i, j int) bool { return voteLess(sorted[i], sorted[j]) })

	result := models.ConsensusResult{
		Method:          e.cfg.Method,
		Direction:       models.DirectionHold,
		TotalVotes:      len(sorted),
		Votes:           sorted,
		VoteCounts:      map[models.Direction]int{models.DirectionBuy: 0, models.DirectionSell: 0, models.DirectionHold: 0},
		ProvidersUsed:   []string{},
		ProvidersFailed: []string{},
	}

	var valid []models.AIAnalysis
	cost := decimal.Zero
	for _, v := range sorted {
		cost = cost.Add(decimal.NewFromFloat(v.Cost))
		result.TotalTokens += v.InputTokens + v.OutputTokens
		if v.ProcessingTime > result.TotalLatency {
			result.TotalLatency = v.ProcessingTime
		}
		if !v.Valid() {
			result.ProvidersFailed = append(result.ProvidersFailed, v.Provider)
			continue
		}
		valid = append(valid, v)
		result.ProvidersUsed = append(result.ProvidersUsed, v.Provider)
		result.VoteCounts[v.Direction]++
	}
	result.TotalCost, _ = cost.Float64()
	result.ValidVotes = len(valid)

	if len(valid) == 0 {
		result.AgreementLevel = models.AgreementSplit
		result.Reasoning = "no valid votes"
		return result
	}

	direction, confidence, pool := e.decide(valid)
	result.Direction = direction
	result.Confidence = models.ClampConfidence(confidence)

	result.AgreementPercentage = float64(result.VoteCounts[direction]) / float64(len(valid)) * 100
	result.AgreementLevel = models.AgreementLevelFor(result.AgreementPercentage)

	agreeing := filterDirection(pool, direction)
	if direction != models.DirectionHold {
		result.Entry = meanOf(agreeing, func(v models.AIAnalysis) *float64 { return v.Entry })
		result.StopLoss = meanOf(agreeing, func(v models.AIAnalysis) *float64 { return v.StopLoss })
		result.TakeProfit = meanOf(agreeing, func(v models.AIAnalysis) *float64 { return v.TakeProfit })
		result.RiskReward = riskReward(direction, result.Entry, result.StopLoss, result.TakeProfit, agreeing)
	}
	result.KeyFactors = union(agreeing, func(v models.AIAnalysis) []string { return v.KeyFactors })
	result.Risks = union(agreeing, func(v models.AIAnalysis) []string { return v.Risks })
	result.Reasoning = joinReasoning(agreeing)

	result.ShouldTrade = e.shouldTrade(result)
	return result
}

// decide applies the configured method to the valid votes. It returns the
// winning direction, its confidence and the votes the method considered.
func (e *Engine) decide(valid []models.AIAnalysis) (models.Direction, float64, []models.AIAnalysis) {
	switch e.cfg.Method {
	case models.MethodWeighted:
		d, c := e.weighted(valid)
		return d, c, valid

	case models.MethodConfidenceThreshold:
		var pool []models.AIAnalysis
		for _, v := range valid {
			if v.Confidence >= e.cfg.ConfidenceFloor {
				pool = append(pool, v)
			}
		}
		d := plurality(pool)
		return d, meanConfidence(filterDirection(pool, d)), pool

	case models.MethodUnanimous:
		d := valid[0].Direction
		for _, v := range valid[1:] {
			if v.Direction != d {
				d = models.DirectionHold
				break
			}
		}
		return d, meanConfidence(filterDirection(valid, d)), valid

	case models.MethodSupermajority:
		d := models.DirectionHold
		counts := countDirections(valid)
		for _, dir := range []models.Direction{models.DirectionBuy, models.DirectionSell} {
			if 3*counts[dir] >= 2*len(valid) {
				d = dir
			}
		}
		return d, meanConfidence(filterDirection(valid, d)), valid

	default:
		d := plurality(valid)
		return d, meanConfidence(filterDirection(valid, d)), valid
	}
}

// weighted scores each direction by the sum of weight x confidence. The
// winner's confidence is its share of all scores.
func (e *Engine) weighted(valid []models.AIAnalysis) (models.Direction, float64) {
	scores := map[models.Direction]decimal.Decimal{
		models.DirectionBuy:  decimal.Zero,
		models.DirectionSell: decimal.Zero,
		models.DirectionHold: decimal.Zero,
	}
	total := decimal.Zero
	for _, v := range valid {
		s := decimal.NewFromFloat(e.weight(v.Provider)).Mul(decimal.NewFromFloat(v.Confidence))
		scores[v.Direction] = scores[v.Direction].Add(s)
		total = total.Add(s)
	}
	if total.IsZero() {
		return models.DirectionHold, 0
	}

	winner := models.DirectionHold
	best := decimal.NewFromInt(-1)
	tie := false
	for _, d := range []models.Direction{models.DirectionBuy, models.DirectionSell, models.DirectionHold} {
		switch scores[d].Cmp(best) {
		case 1:
			winner, best, tie = d, scores[d], false
		case 0:
			tie = true
		}
	}
	if tie {
		winner = models.DirectionHold
	}
	share, _ := scores[winner].Div(total).Mul(decimal.NewFromInt(100)).Float64()
	return winner, share
}

func (e *Engine) weight(provider string) float64 {
	if w, ok := e.cfg.Weights[provider]; ok {
		return w
	}
	return 1
}

func (e *Engine) shouldTrade(r models.ConsensusResult) bool {
	if r.Direction == models.DirectionHold {
		return false
	}
	if r.Confidence < e.cfg.MinConfidence || r.AgreementPercentage < e.cfg.MinAgreement {
		return false
	}
	if e.cfg.RequireRiskReward {
		return r.RiskReward != nil && *r.RiskReward >= e.cfg.MinRiskReward
	}
	return true
}

// plurality returns the direction with the most votes, HOLD on a tie or an
// empty pool.
func plurality(votes []models.AIAnalysis) models.Direction {
	counts := countDirections(votes)
	winner := models.DirectionHold
	best := -1
	tie := false
	for _, d := range []models.Direction{models.DirectionBuy, models.DirectionSell, models.DirectionHold} {
		switch {
		case counts[d] > best:
			winner, best, tie = d, counts[d], false
		case counts[d] == best:
			tie = true
		}
	}
	if tie || best == 0 {
		return models.DirectionHold
	}
	return winner
}

func countDirections(votes []models.AIAnalysis) map[models.Direction]int {
	counts := make(map[models.Direction]int, 3)
	for _, v := range votes {
		counts[v.Direction]++
	}
	return counts
}

func filterDirection(votes []models.AIAnalysis, d models.Direction) []models.AIAnalysis {
	var out []models.AIAnalysis
	for _, v := range votes {
		if v.Direction == d {
			out = append(out, v)
		}
	}
	return out
}

func meanConfidence(votes []models.AIAnalysis) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := decimal.Zero
	for _, v := range votes {
		sum = sum.Add(decimal.NewFromFloat(v.Confidence))
	}
	mean, _ := sum.Div(decimal.NewFromInt(int64(len(votes)))).Float64()
	return mean
}

// meanOf averages an optional field over the votes that carry it. Every
// agreeing vote counts equally, whatever the method's weights.
func meanOf(votes []models.AIAnalysis, field func(models.AIAnalysis) *float64) *float64 {
	sum := decimal.Zero
	n := int64(0)
	for _, v := range votes {
		if p := field(v); p != nil {
			sum = sum.Add(decimal.NewFromFloat(*p))
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean, _ := sum.Div(decimal.NewFromInt(n)).Float64()
	return &mean
}

func riskReward(d models.Direction, entry, sl, tp *float64, agreeing []models.AIAnalysis) *float64 {
	if entry != nil && sl != nil && tp != nil {
		if rr := models.CalculateRiskReward(d, *entry, *sl, *tp); rr > 0 {
			return &rr
		}
		return nil
	}
	return meanOf(agreeing, func(v models.AIAnalysis) *float64 { return v.RiskReward })
}

// union merges string lists case-insensitively, keeping the first spelling seen.
func union(votes []models.AIAnalysis, field func(models.AIAnalysis) []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range votes {
		for _, s := range field(v) {
			s = strings.TrimSpace(s)
			key := strings.ToLower(s)
			if s == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func joinReasoning(votes []models.AIAnalysis) string {
	parts := make([]string, 0, len(votes))
	for _, v := range votes {
		if r := strings.TrimSpace(v.Reasoning); r != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", v.Provider, r))
		}
	}
	return strings.Join(parts, "\n")
}

// voteLess orders votes by provider so list fields come out the same for
// any input order.
func voteLess(a, b models.AIAnalysis) bool {
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	if a.Model != b.Model {
		return a.Model < b.Model
	}
	if a.Direction != b.Direction {
		return a.Direction < b.Direction
	}
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	return a.Reasoning < b.Reasoning
}
