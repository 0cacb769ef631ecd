// Package config provides configuration management for tradebridge.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tradebridge/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Store        StoreConfig        `mapstructure:"store"`
	Security     SecurityConfig     `mapstructure:"security"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Credentials  Credentials        `mapstructure:"-"` // Loaded separately
	Providers    ProvidersConfig    `mapstructure:"-"` // Loaded separately
}

// BrokerConfig maps workspace names to broker back ends.
type BrokerConfig struct {
	DefaultWorkspace string                     `mapstructure:"default_workspace"`
	Workspaces       map[string]WorkspaceConfig `mapstructure:"workspaces"`
}

// WorkspaceConfig selects the broker and environment for one workspace.
type WorkspaceConfig struct {
	Type        string        `mapstructure:"type"`        // alpaca, ig, metaapi, zerodha, paper
	Environment string        `mapstructure:"environment"` // paper/demo or live
	RateLimit   float64       `mapstructure:"rate_limit"`  // requests per second, 0 = unlimited
	Timeout     time.Duration `mapstructure:"timeout"`
	Balance     float64       `mapstructure:"balance"`     // paper only
	DataSource  string        `mapstructure:"data_source"` // paper only: workspace that supplies quotes
}

// IsLive reports whether the workspace trades real money.
func (w WorkspaceConfig) IsLive() bool {
	return w.Environment == "live"
}

// ConsensusConfig holds the aggregation rule and trade gating thresholds.
type ConsensusConfig struct {
	Method            string             `mapstructure:"method"`
	MinConfidence     float64            `mapstructure:"min_confidence"`
	MinAgreement      float64            `mapstructure:"min_agreement"`
	ConfidenceFloor   float64            `mapstructure:"confidence_floor"`
	RequireRiskReward bool               `mapstructure:"require_risk_reward"`
	MinRiskReward     float64            `mapstructure:"min_risk_reward"`
	Weights           map[string]float64 `mapstructure:"weights"`
}

// OrchestratorConfig controls provider fan-out.
type OrchestratorConfig struct {
	Timeout          time.Duration       `mapstructure:"timeout"`
	RetryBudget      int                 `mapstructure:"retry_budget"`
	DefaultPreset    string              `mapstructure:"default_preset"`
	Presets          map[string][]string `mapstructure:"presets"`
	BreakerThreshold int                 `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration       `mapstructure:"breaker_cooldown"`
}

// RiskConfig holds pre-trade validation limits.
type RiskConfig struct {
	MaxPositionPercent     float64 `mapstructure:"max_position_percent"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	MinRiskReward          float64 `mapstructure:"min_risk_reward"`
	MinFreeMarginPercent   float64 `mapstructure:"min_free_margin_percent"`
}

// StreamConfig holds price streaming configuration.
type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
	Path  string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// StoreConfig holds the SQLite location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig holds decision and execution notification settings.
type NotifyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Level   string        `mapstructure:"level"` // all, trades_only, errors_only
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds the webhook endpoint notifications are posted to.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// SecurityConfig holds credential handling options.
type SecurityConfig struct {
	EncryptCredentials bool `mapstructure:"encrypt_credentials"`
}

// Credentials holds API credentials.
type Credentials struct {
	Alpaca    AlpacaCredentials  `mapstructure:"alpaca" json:"alpaca"`
	IG        IGCredentials      `mapstructure:"ig" json:"ig"`
	MetaAPI   MetaAPICredentials `mapstructure:"metaapi" json:"metaapi"`
	Zerodha   ZerodhaCredentials `mapstructure:"zerodha" json:"zerodha"`
	OpenAI    APIKeyCredentials  `mapstructure:"openai" json:"openai"`
	Anthropic APIKeyCredentials  `mapstructure:"anthropic" json:"anthropic"`
	DeepSeek  APIKeyCredentials  `mapstructure:"deepseek" json:"deepseek"`
}

// AlpacaCredentials holds Alpaca key headers.
type AlpacaCredentials struct {
	APIKey    string `mapstructure:"api_key" json:"api_key"`
	APISecret string `mapstructure:"api_secret" json:"api_secret"`
}

// IGCredentials holds IG REST login details.
type IGCredentials struct {
	APIKey    string `mapstructure:"api_key" json:"api_key"`
	Username  string `mapstructure:"username" json:"username"`
	Password  string `mapstructure:"password" json:"password"`
	AccountID string `mapstructure:"account_id" json:"account_id"`
}

// MetaAPICredentials holds the MetaApi token and the MT login it provisions.
type MetaAPICredentials struct {
	Token    string `mapstructure:"token" json:"token"`
	Login    string `mapstructure:"login" json:"login"`
	Password string `mapstructure:"password" json:"password"`
	Server   string `mapstructure:"server" json:"server"`
	Platform string `mapstructure:"platform" json:"platform"`
	Region   string `mapstructure:"region" json:"region"`
}

// ZerodhaCredentials holds Kite Connect credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key" json:"api_key"`
	APISecret   string `mapstructure:"api_secret" json:"api_secret"`
	AccessToken string `mapstructure:"access_token" json:"access_token"`
}

// APIKeyCredentials holds a single bearer key.
type APIKeyCredentials struct {
	APIKey string `mapstructure:"api_key" json:"api_key"`
}

// Masked returns a copy safe to print: every secret shows only its last 4 characters.
func (c Credentials) Masked() Credentials {
	m := security.MaskCredential
	out := c
	out.Alpaca.APIKey = m(c.Alpaca.APIKey)
	out.Alpaca.APISecret = m(c.Alpaca.APISecret)
	out.IG.APIKey = m(c.IG.APIKey)
	out.IG.Password = m(c.IG.Password)
	out.MetaAPI.Token = m(c.MetaAPI.Token)
	out.MetaAPI.Password = m(c.MetaAPI.Password)
	out.Zerodha.APIKey = m(c.Zerodha.APIKey)
	out.Zerodha.APISecret = m(c.Zerodha.APISecret)
	out.Zerodha.AccessToken = m(c.Zerodha.AccessToken)
	out.OpenAI.APIKey = m(c.OpenAI.APIKey)
	out.Anthropic.APIKey = m(c.Anthropic.APIKey)
	out.DeepSeek.APIKey = m(c.DeepSeek.APIKey)
	return out
}

// ProviderSettings configures one AI provider.
type ProviderSettings struct {
	Enabled          bool    `mapstructure:"enabled"`
	Model            string  `mapstructure:"model"`
	BaseURL          string  `mapstructure:"base_url"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// ProvidersConfig is keyed by provider name (openai, anthropic, deepseek, rules).
type ProvidersConfig map[string]ProviderSettings

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradebridge"
	}
	return filepath.Join(home, ".config", "tradebridge")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files are
// created from templates and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv(configDir)

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	providers, err := loadProviders(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading providers.toml: %w", err)
	}
	cfg.Providers = providers

	applyEnvOverrides(cfg)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, "tradebridge.db")
	}
	if cfg.Log.Path == "" {
		cfg.Log.Path = filepath.Join(configDir, "logs", "tradebridge.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads .env from the working directory and the config directory.
// Variables already in the environment win.
func loadDotEnv(configDir string) {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.default_workspace", "paper")
	v.SetDefault("broker.workspaces", map[string]interface{}{
		"paper": map[string]interface{}{"type": "paper", "environment": "paper", "balance": 100000.0},
	})

	v.SetDefault("consensus.method", "weighted")
	v.SetDefault("consensus.min_confidence", 60.0)
	v.SetDefault("consensus.min_agreement", 60.0)
	v.SetDefault("consensus.confidence_floor", 70.0)
	v.SetDefault("consensus.require_risk_reward", false)
	v.SetDefault("consensus.min_risk_reward", 1.5)

	v.SetDefault("orchestrator.timeout", 30*time.Second)
	v.SetDefault("orchestrator.retry_budget", 1)
	v.SetDefault("orchestrator.default_preset", "standard")
	v.SetDefault("orchestrator.presets", map[string]interface{}{
		"fast":     []string{"deepseek", "rules"},
		"standard": []string{"openai", "deepseek", "rules"},
		"premium":  []string{"openai", "anthropic", "deepseek", "rules"},
	})
	v.SetDefault("orchestrator.breaker_threshold", 3)
	v.SetDefault("orchestrator.breaker_cooldown", 2*time.Minute)

	v.SetDefault("risk.max_position_percent", 10.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.min_risk_reward", 1.5)
	v.SetDefault("risk.min_free_margin_percent", 20.0)

	v.SetDefault("stream.poll_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tradebridge")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.level", "trades_only")
	v.SetDefault("notify.webhook.timeout", 10*time.Second)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := writeTemplate(configDir, "config.toml", configTemplate, 0644); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600); err != nil {
			return err
		}
	}
	if err := v.Unmarshal(&cfg.Credentials); err != nil {
		return err
	}

	if !cfg.Security.EncryptCredentials {
		return nil
	}
	return loadEncryptedCredentials(configDir, &cfg.Credentials)
}

// EncryptedCredentialsPath is where the sealed credentials live.
func EncryptedCredentialsPath(configDir string) string {
	return filepath.Join(configDir, "credentials.enc")
}

// loadEncryptedCredentials overlays credentials.enc when a master password is available.
func loadEncryptedCredentials(configDir string, creds *Credentials) error {
	password := os.Getenv("TRADEBRIDGE_MASTER_PASSWORD")
	if password == "" {
		return nil
	}
	data, err := os.ReadFile(EncryptedCredentialsPath(configDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading encrypted credentials: %w", err)
	}
	plain, err := security.OpenSealed(password, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, creds)
}

// SealCredentials encrypts creds to credentials.enc with the master password.
func SealCredentials(configDir, password string, creds Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("serializing credentials: %w", err)
	}
	sealed, err := security.Seal(password, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(EncryptedCredentialsPath(configDir), sealed, 0600)
}

func loadProviders(configDir string) (ProvidersConfig, error) {
	v := viper.New()
	v.SetConfigName("providers")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	v.SetDefault("openai", map[string]interface{}{
		"enabled": true, "model": "gpt-4o", "max_tokens": 1024, "temperature": 0.2,
		"input_per_million": 2.5, "output_per_million": 10.0,
	})
	v.SetDefault("anthropic", map[string]interface{}{
		"enabled": true, "model": "claude-sonnet-4-5", "max_tokens": 1024, "temperature": 0.2,
		"input_per_million": 3.0, "output_per_million": 15.0,
	})
	v.SetDefault("deepseek", map[string]interface{}{
		"enabled": true, "model": "deepseek-chat", "max_tokens": 1024, "temperature": 0.2,
		"input_per_million": 0.27, "output_per_million": 1.1,
	})
	v.SetDefault("rules", map[string]interface{}{"enabled": true, "model": "indicators-v1"})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		if err := writeTemplate(configDir, "providers.toml", providersTemplate, 0644); err != nil {
			return nil, err
		}
	}

	providers := ProvidersConfig{}
	if err := v.Unmarshal(&providers); err != nil {
		return nil, err
	}
	return providers, nil
}

func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	set(&cfg.Credentials.Alpaca.APIKey, "ALPACA_API_KEY")
	set(&cfg.Credentials.Alpaca.APISecret, "ALPACA_API_SECRET")

	set(&cfg.Credentials.IG.APIKey, "IG_API_KEY")
	set(&cfg.Credentials.IG.Username, "IG_USERNAME")
	set(&cfg.Credentials.IG.Password, "IG_PASSWORD")
	set(&cfg.Credentials.IG.AccountID, "IG_ACCOUNT_ID")

	set(&cfg.Credentials.MetaAPI.Token, "METAAPI_TOKEN")
	set(&cfg.Credentials.MetaAPI.Login, "METAAPI_LOGIN")
	set(&cfg.Credentials.MetaAPI.Password, "METAAPI_PASSWORD")
	set(&cfg.Credentials.MetaAPI.Server, "METAAPI_SERVER")
	set(&cfg.Credentials.MetaAPI.Region, "METAAPI_REGION")

	set(&cfg.Credentials.Zerodha.APIKey, "ZERODHA_API_KEY")
	set(&cfg.Credentials.Zerodha.APISecret, "ZERODHA_API_SECRET")
	set(&cfg.Credentials.Zerodha.AccessToken, "ZERODHA_ACCESS_TOKEN")

	set(&cfg.Credentials.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&cfg.Credentials.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&cfg.Credentials.DeepSeek.APIKey, "DEEPSEEK_API_KEY")

	set(&cfg.Broker.DefaultWorkspace, "TRADEBRIDGE_WORKSPACE")
	set(&cfg.Consensus.Method, "TRADEBRIDGE_CONSENSUS_METHOD")
	set(&cfg.Log.Level, "TRADEBRIDGE_LOG_LEVEL")

	if v := os.Getenv("TRADEBRIDGE_PROVIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.Timeout = d
		}
	}
	if v := os.Getenv("TRADEBRIDGE_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.RetryBudget = n
		}
	}
}

var validMethods = map[string]bool{
	"majority": true, "weighted": true, "confidence_threshold": true,
	"unanimous": true, "supermajority": true,
}

var validBrokerTypes = map[string]bool{
	"alpaca": true, "ig": true, "metaapi": true, "zerodha": true, "paper": true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !validMethods[c.Consensus.Method] {
		return fmt.Errorf("invalid consensus method: %s", c.Consensus.Method)
	}
	for name, v := range map[string]float64{
		"min_confidence":   c.Consensus.MinConfidence,
		"min_agreement":    c.Consensus.MinAgreement,
		"confidence_floor": c.Consensus.ConfidenceFloor,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("consensus.%s must be between 0 and 100", name)
		}
	}
	if c.Consensus.MinRiskReward < 0 {
		return fmt.Errorf("consensus.min_risk_reward must be non-negative")
	}
	for name, w := range c.Consensus.Weights {
		if w < 0 {
			return fmt.Errorf("consensus weight for %s must be non-negative", name)
		}
	}

	if c.Orchestrator.Timeout <= 0 {
		return fmt.Errorf("orchestrator.timeout must be positive")
	}
	if c.Orchestrator.RetryBudget < 0 {
		return fmt.Errorf("orchestrator.retry_budget must be non-negative")
	}

	if c.Risk.MaxPositionPercent < 0 || c.Risk.MaxPositionPercent > 100 {
		return fmt.Errorf("max_position_percent must be between 0 and 100")
	}
	if c.Risk.MinRiskReward < 0 {
		return fmt.Errorf("min_risk_reward must be non-negative")
	}

	for name, ws := range c.Broker.Workspaces {
		if !validBrokerTypes[strings.ToLower(ws.Type)] {
			return fmt.Errorf("workspace %s: unknown broker type %q", name, ws.Type)
		}
		if ws.DataSource != "" {
			src, ok := c.Broker.Workspaces[ws.DataSource]
			if !ok {
				return fmt.Errorf("workspace %s: data source %q is not defined", name, ws.DataSource)
			}
			if strings.EqualFold(src.Type, "paper") {
				return fmt.Errorf("workspace %s: data source %q must be a live broker", name, ws.DataSource)
			}
		}
	}
	if c.Broker.DefaultWorkspace != "" {
		if _, ok := c.Broker.Workspaces[c.Broker.DefaultWorkspace]; !ok {
			return fmt.Errorf("default workspace %q is not defined", c.Broker.DefaultWorkspace)
		}
	}

	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}

	switch c.Notify.Level {
	case "", "all", "trades_only", "errors_only":
	default:
		return fmt.Errorf("invalid notify.level: %s", c.Notify.Level)
	}
	if c.Notify.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when notifications are enabled")
	}

	return nil
}

// Workspace returns the named workspace, falling back to the default one.
func (c *Config) Workspace(name string) (string, WorkspaceConfig, error) {
	if name == "" {
		name = c.Broker.DefaultWorkspace
	}
	ws, ok := c.Broker.Workspaces[name]
	if !ok {
		return "", WorkspaceConfig{}, fmt.Errorf("workspace %q is not defined", name)
	}
	return name, ws, nil
}

// Preset returns the provider names of a named preset.
func (c *Config) Preset(name string) ([]string, bool) {
	p, ok := c.Orchestrator.Presets[name]
	return p, ok
}
