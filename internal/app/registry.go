// Package app wires configuration into the long-lived components the CLI uses.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradebridge/internal/agents"
	"tradebridge/internal/analysis"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/consensus"
	"tradebridge/internal/notify"
	"tradebridge/internal/resilience"
	"tradebridge/internal/risk"
	"tradebridge/internal/store"
	"tradebridge/internal/tracing"
)

// Version is reported by the CLI and stamped on trace resources.
const Version = "0.3.0"

const healthTimeout = 10 * time.Second

// Registry holds one instance of every component. It is built once at
// startup and passed down; nothing in the tree reaches for globals.
type Registry struct {
	Config *config.Config
	Logger zerolog.Logger

	// Store is nil when the database could not be opened.
	Store        store.DataStore
	Brokers      *broker.Factory
	Providers    map[string]agents.Provider
	Orchestrator *agents.Orchestrator
	Consensus    *consensus.Engine
	Analysis     *analysis.Engine
	Limits       risk.Limits
	Notifier     notify.Notifier

	ProviderHealth *resilience.HealthMonitor
	BrokerHealth   *resilience.HealthMonitor

	shutdownTracing func(context.Context) error
}

// New builds the registry from cfg. A store that fails to open is logged and
// left nil; everything else is required.
func New(cfg *config.Config, logger zerolog.Logger) (*Registry, error) {
	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	r := &Registry{
		Config:          cfg,
		Logger:          logger,
		Limits:          risk.LimitsFromConfig(cfg.Risk),
		Analysis:        analysis.NewEngine(4),
		Notifier:        notify.New(cfg.Notify, logger),
		shutdownTracing: shutdown,
	}

	var accounts store.AccountStore
	if s, err := openStore(cfg.Store.Path); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store, decisions will not be recorded")
	} else {
		r.Store = s
		accounts = s
	}

	r.Brokers = broker.NewFactory(cfg, accounts, logger)
	r.Providers = agents.FromConfig(cfg.Providers, cfg.Credentials, logger)
	r.Orchestrator = agents.NewOrchestrator(r.Providers, cfg.Orchestrator, logger)
	r.Consensus = consensus.NewEngine(consensus.FromConfig(cfg.Consensus), logger)

	r.ProviderHealth = resilience.NewHealthMonitor(healthTimeout, logger)
	for _, name := range sortedKeys(r.Providers) {
		r.ProviderHealth.Register(name, "provider", r.Providers[name].HealthCheck)
	}

	r.BrokerHealth = resilience.NewHealthMonitor(healthTimeout, logger)
	for _, ws := range sortedKeys(cfg.Broker.Workspaces) {
		ws := ws
		r.BrokerHealth.Register(ws, "broker", func(ctx context.Context) error {
			b, err := r.Brokers.Get(ctx, ws)
			if err != nil {
				return err
			}
			_, err = b.GetAccountInfo(ctx)
			return err
		})
	}

	logger.Debug().
		Int("providers", len(r.Providers)).
		Int("workspaces", len(cfg.Broker.Workspaces)).
		Bool("store", r.Store != nil).
		Msg("Registry ready")
	return r, nil
}

func openStore(path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(path)
}

// Broker returns the connected adapter for a workspace ("" = default).
func (r *Registry) Broker(ctx context.Context, workspace string) (broker.Broker, error) {
	return r.Brokers.Get(ctx, workspace)
}

// Executor returns an order executor on b using the configured risk limits.
func (r *Registry) Executor(b broker.Broker) *risk.Executor {
	return risk.NewExecutor(b, risk.NewRuleValidator(r.Limits), r.Logger)
}

// ProviderNames resolves the providers for a round: an explicit list wins,
// then the named preset, then the configured default preset, then every
// registered provider.
func (r *Registry) ProviderNames(preset string, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if preset == "" {
		preset = r.Config.Orchestrator.DefaultPreset
	}
	if preset != "" {
		names, err := r.Orchestrator.PresetProviders(agents.Preset(preset))
		if err == nil {
			return names, nil
		}
		if preset != r.Config.Orchestrator.DefaultPreset {
			return nil, err
		}
	}
	names := r.Orchestrator.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("no AI providers configured")
	}
	return names, nil
}

// Close disconnects brokers, closes the store and flushes traces.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	if err := r.Brokers.Close(ctx); err != nil {
		firstErr = err
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.shutdownTracing != nil {
		if err := r.shutdownTracing(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
