package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"tradebridge/internal/config"
	"tradebridge/internal/consensus"
	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/models"
	"tradebridge/internal/resilience"
	"tradebridge/internal/tracing"
)

// Preset names a static subset of providers.
type Preset string

const (
	PresetFast     Preset = "fast"
	PresetStandard Preset = "standard"
	PresetPremium  Preset = "premium"
)

// DefaultTimeout bounds each provider call when configuration is silent.
const DefaultTimeout = 30 * time.Second

// Vote messages for failures that never reached a provider's own error.
const (
	msgTimeout     = "timeout"
	msgCircuitOpen = "circuit open"
	msgNotFound    = "provider not found"
	msgCancelled   = "cancelled"
	msgEmptyAnswer = "empty response"
	msgNotFinite   = "non-finite number in response"
)

// Orchestrator polls providers concurrently and returns one vote per
// requested provider, in request order.
type Orchestrator struct {
	mu        sync.RWMutex
	providers map[string]Provider

	timeout     time.Duration
	retryBudget int
	presets     map[string][]string
	breakers    *resilience.BreakerRegistry
	logger      zerolog.Logger
}

// NewOrchestrator creates an orchestrator over providers.
func NewOrchestrator(providers map[string]Provider, cfg config.OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retry := cfg.RetryBudget
	if retry < 0 {
		retry = 0
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerThreshold
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = cfg.BreakerCooldown
	}

	ps := make(map[string]Provider, len(providers))
	for name, p := range providers {
		ps[name] = p
	}
	presets := make(map[string][]string, len(cfg.Presets))
	for name, list := range cfg.Presets {
		presets[name] = append([]string(nil), list...)
	}

	return &Orchestrator{
		providers:   ps,
		timeout:     timeout,
		retryBudget: retry,
		presets:     presets,
		breakers:    resilience.NewBreakerRegistry(breakerCfg),
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Register adds or replaces a provider.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[p.Name()] = p
}

// Provider returns the named provider.
func (o *Orchestrator) Provider(name string) (Provider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetProviders returns the provider names of a preset.
func (o *Orchestrator) PresetProviders(preset Preset) ([]string, error) {
	names, ok := o.presets[string(preset)]
	if !ok || len(names) == 0 {
		return nil, fmt.Errorf("preset %q: %w", preset, errors.ErrConfigInvalid)
	}
	return append([]string(nil), names...), nil
}

// Breakers returns the circuit breaker state of every provider called so far.
func (o *Orchestrator) Breakers() []resilience.BreakerStats {
	return o.breakers.AllStats()
}

// AnalyzePreset runs a round over a preset's providers.
func (o *Orchestrator) AnalyzePreset(ctx context.Context, mctx models.MarketContext, preset Preset) ([]models.AIAnalysis, error) {
	names, err := o.PresetProviders(preset)
	if err != nil {
		return nil, err
	}
	return o.Analyze(ctx, mctx, names)
}

// Analyze polls the named providers and returns len(names) votes in the same
// order. Failures become error votes; the error return is reserved for an
// empty request. Failed calls are retried up to the retry budget, each retry
// round running only the failed subset and replacing a vote only on success.
func (o *Orchestrator) Analyze(ctx context.Context, mctx models.MarketContext, names []string) ([]models.AIAnalysis, error) {
	if len(names) == 0 {
		return nil, errors.NewValidationError("providers", names, "at least one provider is required")
	}

	ctx, span := tracing.Start(ctx, "orchestrator.analyze",
		attribute.String("symbol", mctx.Symbol),
		attribute.Int("providers", len(names)),
	)
	defer tracing.End(span, nil)

	logger := logging.WithSymbol(o.logger, mctx.Symbol)

	// Slots stay cancelled votes unless a round gets to run them.
	votes := make([]models.AIAnalysis, len(names))
	for i, name := range names {
		model := ""
		if p, ok := o.Provider(name); ok {
			model = p.Model()
		}
		votes[i] = models.ErrorVote(name, model, msgCancelled)
	}

	pending := make([]int, len(names))
	for i := range names {
		pending[i] = i
	}

	for round := 0; round <= o.retryBudget && len(pending) > 0; round++ {
		if ctx.Err() != nil {
			break
		}
		if round > 0 {
			logger.Info().Int("round", round).Int("failed", len(pending)).Msg("Retrying failed providers")
		}

		results := o.runRound(ctx, mctx, names, pending)

		var failed []int
		for _, r := range results {
			if round == 0 || !r.vote.Error {
				votes[r.idx] = r.vote
			}
			if r.vote.Error && r.retryable {
				failed = append(failed, r.idx)
			}
		}
		sort.Ints(failed)
		pending = failed
	}

	span.SetAttributes(attribute.Int("failed", countFailed(votes)))
	return votes, nil
}

// Consensus runs one round and aggregates it with engine.
func (o *Orchestrator) Consensus(ctx context.Context, mctx models.MarketContext, names []string, engine *consensus.Engine) (models.ConsensusResult, error) {
	votes, err := o.Analyze(ctx, mctx, names)
	if err != nil {
		return models.ConsensusResult{}, err
	}
	return engine.Decide(mctx.Symbol, mctx.Timeframe, votes), nil
}

type callResult struct {
	idx       int
	vote      models.AIAnalysis
	retryable bool
}

// runRound calls the providers at idxs concurrently. It returns once every
// call has answered or hit its own deadline.
func (o *Orchestrator) runRound(ctx context.Context, mctx models.MarketContext, names []string, idxs []int) []callResult {
	resultChan := make(chan callResult, len(idxs))

	var wg sync.WaitGroup
	for _, idx := range idxs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			vote, retryable := o.call(ctx, names[idx], mctx)
			resultChan <- callResult{idx: idx, vote: vote, retryable: retryable}
		}(idx)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]callResult, 0, len(idxs))
	for r := range resultChan {
		results = append(results, r)
	}
	return results
}

type analyzeOutcome struct {
	vote *models.AIAnalysis
	err  error
}

// call runs one provider under its own timeout. A provider that outlives the
// timeout is abandoned; its late answer lands in a buffered channel nobody reads.
func (o *Orchestrator) call(ctx context.Context, name string, mctx models.MarketContext) (models.AIAnalysis, bool) {
	logger := logging.WithProvider(o.logger, name)

	p, ok := o.Provider(name)
	if !ok {
		vote := models.ErrorVote(name, "", msgNotFound)
		logging.LogVote(logger, name, string(vote.Direction), 0, 0, vote.ErrorMessage)
		return vote, false
	}

	breaker := o.breakers.Get(name)
	if err := breaker.Allow(); err != nil {
		vote := models.ErrorVote(name, p.Model(), msgCircuitOpen)
		logging.LogVote(logger, name, string(vote.Direction), 0, 0, vote.ErrorMessage)
		return vote, false
	}

	ctx, span := tracing.Start(ctx, "provider.analyze",
		attribute.String("provider", name),
		attribute.String("model", p.Model()),
	)
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan analyzeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analyzeOutcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		v, err := p.Analyze(callCtx, mctx)
		done <- analyzeOutcome{vote: v, err: err}
	}()

	var vote models.AIAnalysis
	var callErr error
	select {
	case out := <-done:
		switch {
		case out.err != nil:
			callErr = out.err
			vote = models.ErrorVote(name, p.Model(), out.err.Error())
		case out.vote == nil:
			callErr = fmt.Errorf("%s", msgEmptyAnswer)
			vote = models.ErrorVote(name, p.Model(), msgEmptyAnswer)
		case !out.vote.Finite():
			callErr = fmt.Errorf("%s", msgNotFinite)
			vote = models.ErrorVote(name, p.Model(), msgNotFinite)
		default:
			vote = *out.vote
			vote.Provider = name
			if vote.Model == "" {
				vote.Model = p.Model()
			}
			if vote.Error {
				callErr = fmt.Errorf("%s", vote.ErrorMessage)
			}
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			callErr = ctx.Err()
			vote = models.ErrorVote(name, p.Model(), msgCancelled)
		} else {
			callErr = errors.NewTimeoutError(name+" analyze", errors.ErrTimeout)
			vote = models.ErrorVote(name, p.Model(), msgTimeout)
		}
	}

	if vote.ProcessingTime == 0 || vote.Error {
		vote.ProcessingTime = time.Since(started)
	}
	breaker.Record(callErr)
	tracing.End(span, callErr)
	logging.LogVote(logger, name, string(vote.Direction), vote.Confidence, vote.ProcessingTime, vote.ErrorMessage)

	return vote, callErr != nil && ctx.Err() == nil
}

func countFailed(votes []models.AIAnalysis) int {
	n := 0
	for _, v := range votes {
		if v.Error {
			n++
		}
	}
	return n
}
