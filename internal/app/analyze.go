package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"tradebridge/internal/broker"
	"tradebridge/internal/errors"
	"tradebridge/internal/models"
	"tradebridge/internal/risk"
	"tradebridge/internal/security"
	"tradebridge/internal/tracing"
)

// DefaultCandles is the history fetched for a snapshot when none is asked for.
const DefaultCandles = 200

// AnalyzeRequest describes one analysis round.
type AnalyzeRequest struct {
	Workspace string
	Symbol    string
	Timeframe models.Timeframe
	Candles   int
	Preset    string
	Providers []string
	Method    models.ConsensusMethod // empty = configured method
	Notes     string

	Execute bool
	Size    float64
}

// AnalyzeResult is the outcome of a round. Execution is set only when
// execution was requested and the decision was tradeable.
type AnalyzeResult struct {
	Workspace string                 `json:"workspace"`
	Context   models.MarketContext   `json:"-"`
	Decision  models.ConsensusResult `json:"decision"`
	Execution *risk.Execution        `json:"execution,omitempty"`
}

// Analyze snapshots the market on the workspace's broker, polls the providers,
// aggregates their votes and records the decision. With Execute set, a
// tradeable decision is sent through the risk executor. An execution failure
// is returned together with the result.
func (r *Registry) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	if !security.ValidSymbol(req.Symbol) {
		return nil, errors.NewValidationError("symbol", req.Symbol, "not a valid symbol")
	}
	if req.Timeframe == "" {
		req.Timeframe = models.TimeframeH1
	}
	if !req.Timeframe.IsValid() {
		return nil, fmt.Errorf("invalid timeframe %q", req.Timeframe)
	}
	if req.Candles <= 0 {
		req.Candles = DefaultCandles
	}

	ctx, span := tracing.Start(ctx, "app.analyze",
		attribute.String("symbol", req.Symbol),
		attribute.String("timeframe", string(req.Timeframe)),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	workspace, _, err := r.Config.Workspace(req.Workspace)
	if err != nil {
		return nil, err
	}
	b, err := r.Broker(ctx, workspace)
	if err != nil {
		return nil, err
	}

	mctx, err := r.snapshot(ctx, workspace, b, req)
	if err != nil {
		return nil, err
	}

	names, err := r.ProviderNames(req.Preset, req.Providers)
	if err != nil {
		return nil, err
	}
	engine := r.Consensus
	if req.Method != "" {
		engine = engine.WithMethod(req.Method)
	}
	decision, err := r.Orchestrator.Consensus(ctx, mctx, names, engine)
	if err != nil {
		return nil, err
	}

	result := &AnalyzeResult{Workspace: workspace, Context: mctx, Decision: decision}
	if traceID, _, ok := tracing.IDs(ctx); ok {
		r.Logger.Debug().Str("decision", decision.ID).Str("trace_id", traceID).Msg("Decision traced")
	}
	if r.Store != nil {
		if serr := r.Store.SaveConsensus(ctx, workspace, &decision); serr != nil {
			r.Logger.Warn().Err(serr).Str("decision", decision.ID).Msg("Failed to record decision")
		}
	}

	_ = r.Notifier.SendDecision(ctx, workspace, &decision)

	if !req.Execute || !decision.ShouldTrade {
		return result, nil
	}

	exec, err := r.Executor(b).ExecuteSignal(ctx, decision, req.Size)
	result.Execution = exec
	if exec != nil {
		_ = r.Notifier.SendExecution(ctx, workspace, exec)
	}
	if err != nil {
		if exec == nil || exec.Validation.IsValid {
			_ = r.Notifier.SendError(ctx, err, "execute "+decision.ID)
		}
		return result, err
	}
	if r.Store != nil && exec.Order != nil {
		if serr := r.Store.MarkExecuted(ctx, decision.ID, exec.Order.OrderID); serr != nil {
			r.Logger.Warn().Err(serr).Str("decision", decision.ID).Msg("Failed to link order to decision")
		}
	}
	return result, nil
}

// snapshot fetches candles and a quote and builds the market context. Fetched
// candles are cached in the store. A missing quote falls back to the last close.
func (r *Registry) snapshot(ctx context.Context, workspace string, b broker.Broker, req AnalyzeRequest) (models.MarketContext, error) {
	candles, err := b.GetCandles(ctx, broker.CandleRequest{Symbol: req.Symbol, Timeframe: req.Timeframe, Count: req.Candles})
	if err != nil {
		return models.MarketContext{}, fmt.Errorf("candles for %s: %w", req.Symbol, err)
	}
	if r.Store != nil && len(candles) > 0 {
		if serr := r.Store.SaveCandles(ctx, workspace, candles); serr != nil {
			r.Logger.Debug().Err(serr).Msg("Failed to cache candles")
		}
	}

	tick, err := b.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		r.Logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("No quote, using last close")
		tick = nil
	}

	mctx, err := r.Analysis.Snapshot(ctx, req.Symbol, req.Timeframe, candles, tick)
	if err != nil {
		return mctx, err
	}
	mctx.Notes = req.Notes
	return mctx, nil
}
