package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradebridge/internal/app"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/logging"
)

// skipRegistry marks commands that run without loading configuration.
const skipRegistry = "skip-registry"

// App holds the application dependencies. The registry is built on first use
// from the --config directory unless one was injected.
type App struct {
	Registry *app.Registry
	owned    bool
}

// NewRootCmd creates the root command. A nil registry is built from the
// configuration directory before the first command that needs it.
func NewRootCmd(reg *app.Registry) (*cobra.Command, *App) {
	a := &App{Registry: reg}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "tradebridge - multi-broker trading with AI consensus",
		Long: `tradebridge drives Alpaca, IG, MetaApi, Zerodha and paper accounts through one
interface and lets a panel of AI providers vote on trades.

Each workspace in config.toml binds a name to a broker and environment.
Use --workspace to pick one; the default workspace is used otherwise.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := cmd.Annotations[skipRegistry]; ok || a.Registry != nil {
				return nil
			}
			return a.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradebridge)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace to use (default from config)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newAuthCmd(a))
	addMarketDataCommands(rootCmd, a)
	addTradingCommands(rootCmd, a)
	addAnalysisCommands(rootCmd, a)
	addMonitoringCommands(rootCmd, a)

	return rootCmd, a
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, a := NewRootCmd(nil)
	err := rootCmd.ExecuteContext(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.File = cfg.Log.File
	if cfg.Log.Path != "" {
		logCfg.FilePath = cfg.Log.Path
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	logger := logging.NewLoggerWithConfig(logCfg)

	reg, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	a.Registry = reg
	a.owned = true
	return nil
}

// Close releases a registry the App built itself.
func (a *App) Close(ctx context.Context) error {
	if !a.owned || a.Registry == nil {
		return nil
	}
	return a.Registry.Close(ctx)
}

func (a *App) workspace(cmd *cobra.Command) string {
	ws, _ := cmd.Flags().GetString("workspace")
	return ws
}

func (a *App) broker(cmd *cobra.Command) (broker.Broker, error) {
	return a.Registry.Broker(cmd.Context(), a.workspace(cmd))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipRegistry: ""},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{"version": app.Version})
				return
			}
			output.Printf("tradebridge v%s\n", app.Version)
		},
	}
}

func newConfigCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := *a.Registry.Config
			cfg.Credentials = cfg.Credentials.Masked()
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			return showConfig(output, &cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipRegistry: ""},
		Run: func(cmd *cobra.Command, args []string) {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{"path": dir})
				return
			}
			output.Println(dir)
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Workspaces")
	for _, name := range sortedKeys(cfg.Broker.Workspaces) {
		ws := cfg.Broker.Workspaces[name]
		marker := " "
		if name == cfg.Broker.DefaultWorkspace {
			marker = "*"
		}
		env := ws.Environment
		if ws.IsLive() {
			env = output.Red(env)
		}
		output.Printf(" %s %-12s %-8s %s\n", marker, name, ws.Type, env)
	}
	output.Println()

	output.Bold("Consensus")
	output.Printf("  Method:          %s\n", cfg.Consensus.Method)
	output.Printf("  Min Confidence:  %.0f%%\n", cfg.Consensus.MinConfidence)
	output.Printf("  Min Agreement:   %.0f%%\n", cfg.Consensus.MinAgreement)
	output.Printf("  Require R:R:     %v (min %.1f)\n", cfg.Consensus.RequireRiskReward, cfg.Consensus.MinRiskReward)
	output.Println()

	output.Bold("Orchestrator")
	output.Printf("  Timeout:         %s\n", cfg.Orchestrator.Timeout)
	output.Printf("  Retry Budget:    %d\n", cfg.Orchestrator.RetryBudget)
	output.Printf("  Default Preset:  %s\n", cfg.Orchestrator.DefaultPreset)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max Position %%:  %.1f%%\n", cfg.Risk.MaxPositionPercent)
	output.Printf("  Max Positions:   %d\n", cfg.Risk.MaxConcurrentPositions)
	output.Printf("  Min Risk/Reward: %.1f\n", cfg.Risk.MinRiskReward)
	output.Printf("  Min Free Margin: %.0f%%\n", cfg.Risk.MinFreeMarginPercent)
	output.Println()

	output.Bold("Providers")
	for _, name := range sortedKeys(cfg.Providers) {
		p := cfg.Providers[name]
		state := output.DimText("disabled")
		if p.Enabled {
			state = output.Green("enabled")
		}
		output.Printf("  %-10s %-28s %s\n", name, p.Model, state)
	}
	output.Println()

	output.Bold("Credentials")
	c := cfg.Credentials
	output.Printf("  Alpaca:    %s\n", orNone(c.Alpaca.APIKey))
	output.Printf("  IG:        %s\n", orNone(c.IG.APIKey))
	output.Printf("  MetaApi:   %s\n", orNone(c.MetaAPI.Token))
	output.Printf("  Zerodha:   %s\n", orNone(c.Zerodha.APIKey))
	output.Printf("  OpenAI:    %s\n", orNone(c.OpenAI.APIKey))
	output.Printf("  Anthropic: %s\n", orNone(c.Anthropic.APIKey))
	output.Printf("  DeepSeek:  %s\n", orNone(c.DeepSeek.APIKey))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// requireArgs is cobra.ExactArgs with a usage hint in the message.
func requireArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s %s", cmd.CommandPath(), usage)
		}
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
