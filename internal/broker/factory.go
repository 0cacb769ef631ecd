package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"tradebridge/internal/config"
	"tradebridge/internal/errors"
	"tradebridge/internal/store"
)

// Constructor builds an unconnected adapter for a workspace.
type Constructor func(f *Factory, name string, ws config.WorkspaceConfig) (Broker, error)

// Factory creates adapters by broker type and hands out one shared instance
// per workspace. Instances connect lazily on first Get.
type Factory struct {
	cfg      *config.Config
	accounts store.AccountStore
	logger   zerolog.Logger

	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]Broker
}

// NewFactory creates a factory with the built-in broker types registered.
// accounts may be nil.
func NewFactory(cfg *config.Config, accounts store.AccountStore, logger zerolog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		accounts:     accounts,
		logger:       logger,
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Broker),
	}
	f.Register("alpaca", newAlpacaFromConfig)
	f.Register("ig", newIGFromConfig)
	f.Register("metaapi", newMetaAPIFromConfig)
	f.Register("zerodha", newZerodhaFromConfig)
	f.Register("paper", newPaperFromConfig)
	return f
}

// Register adds or replaces the constructor for a broker type.
func (f *Factory) Register(brokerType string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strings.ToLower(brokerType)] = c
}

// Types lists the registered broker types.
func (f *Factory) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Get returns the connected adapter for a workspace ("" = default workspace).
// Concurrent callers share one instance. A failed connect is returned to the
// caller and retried on the next Get.
func (f *Factory) Get(ctx context.Context, workspace string) (Broker, error) {
	b, err := f.instance(workspace)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Factory) instance(workspace string) (Broker, error) {
	name, ws, err := f.cfg.Workspace(workspace)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.instances[name]; ok {
		return b, nil
	}
	c, ok := f.constructors[strings.ToLower(ws.Type)]
	if !ok {
		return nil, errors.Wrapf(errors.ErrConfigInvalid, "workspace %s: unknown broker type %q", name, ws.Type)
	}
	b, err := c(f, name, ws)
	if err != nil {
		return nil, err
	}
	f.instances[name] = b
	f.logger.Debug().Str("workspace", name).Str("type", ws.Type).Msg("Created broker")
	return b, nil
}

// Connected returns the instances created so far, keyed by workspace.
func (f *Factory) Connected() map[string]Broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Broker, len(f.instances))
	for name, b := range f.instances {
		if b.IsConnected() {
			out[name] = b
		}
	}
	return out
}

// Close disconnects every instance.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	instances := f.instances
	f.instances = make(map[string]Broker)
	f.mu.Unlock()

	var firstErr error
	for name, b := range instances {
		if err := b.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect %s: %w", name, err)
		}
	}
	return firstErr
}

func restOptions(ws config.WorkspaceConfig) RESTOptions {
	return RESTOptions{Timeout: ws.Timeout, RateLimit: ws.RateLimit}
}

func newAlpacaFromConfig(f *Factory, _ string, ws config.WorkspaceConfig) (Broker, error) {
	c := f.cfg.Credentials.Alpaca
	return NewAlpacaBroker(AlpacaConfig{
		APIKey:       c.APIKey,
		APISecret:    c.APISecret,
		Paper:        !ws.IsLive(),
		REST:         restOptions(ws),
		PollInterval: f.cfg.Stream.PollInterval,
	}, f.logger), nil
}

func newIGFromConfig(f *Factory, _ string, ws config.WorkspaceConfig) (Broker, error) {
	c := f.cfg.Credentials.IG
	return NewIGBroker(IGConfig{
		APIKey:       c.APIKey,
		Username:     c.Username,
		Password:     c.Password,
		AccountID:    c.AccountID,
		Demo:         !ws.IsLive(),
		REST:         restOptions(ws),
		PollInterval: f.cfg.Stream.PollInterval,
	}, f.logger), nil
}

func newMetaAPIFromConfig(f *Factory, _ string, ws config.WorkspaceConfig) (Broker, error) {
	c := f.cfg.Credentials.MetaAPI
	return NewMetaAPIBroker(MetaAPIConfig{
		Token:        c.Token,
		Login:        c.Login,
		Password:     c.Password,
		Server:       c.Server,
		Platform:     c.Platform,
		Region:       c.Region,
		REST:         restOptions(ws),
		PollInterval: f.cfg.Stream.PollInterval,
	}, f.accounts, f.logger), nil
}

func newZerodhaFromConfig(f *Factory, _ string, _ config.WorkspaceConfig) (Broker, error) {
	c := f.cfg.Credentials.Zerodha
	return NewZerodhaBroker(ZerodhaConfig{
		APIKey:       c.APIKey,
		APISecret:    c.APISecret,
		AccessToken:  c.AccessToken,
		PollInterval: f.cfg.Stream.PollInterval,
	}, f.logger), nil
}

// newPaperFromConfig wires the data source workspace, if any, as the
// simulation's quote feed. The caller holds f.mu, so the data broker is
// built directly rather than through instance.
func newPaperFromConfig(f *Factory, name string, ws config.WorkspaceConfig) (Broker, error) {
	cfg := PaperConfig{
		InitialBalance: ws.Balance,
		PollInterval:   f.cfg.Stream.PollInterval,
	}
	if ws.DataSource != "" {
		if existing, ok := f.instances[ws.DataSource]; ok {
			cfg.DataBroker = existing
		} else {
			srcName, src, err := f.cfg.Workspace(ws.DataSource)
			if err != nil {
				return nil, errors.Wrap(errors.ErrConfigInvalid, err.Error())
			}
			c, ok := f.constructors[strings.ToLower(src.Type)]
			if !ok || strings.EqualFold(src.Type, "paper") {
				return nil, errors.Wrapf(errors.ErrConfigInvalid, "workspace %s: bad data source %q", name, ws.DataSource)
			}
			data, err := c(f, srcName, src)
			if err != nil {
				return nil, err
			}
			f.instances[srcName] = data
			cfg.DataBroker = data
		}
	}
	return NewPaperBroker(cfg, f.logger), nil
}
