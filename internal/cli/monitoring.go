package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tradebridge/internal/resilience"
)

func addMonitoringCommands(rootCmd *cobra.Command, a *App) {
	rootCmd.AddCommand(newProvidersCmd(a))
	rootCmd.AddCommand(newHealthCmd(a))
}

func newProvidersCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "AI provider status",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered providers and presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			type row struct {
				Name             string  `json:"name"`
				Model            string  `json:"model"`
				InputPerMillion  float64 `json:"input_per_million"`
				OutputPerMillion float64 `json:"output_per_million"`
			}
			var rows []row
			for _, name := range a.Registry.Orchestrator.Names() {
				p, ok := a.Registry.Orchestrator.Provider(name)
				if !ok {
					continue
				}
				cost := p.CostModel()
				rows = append(rows, row{name, p.Model(), cost.InputPerMillion, cost.OutputPerMillion})
			}
			presets := a.Registry.Config.Orchestrator.Presets

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"providers": rows, "presets": presets})
			}
			if len(rows) == 0 {
				output.Warning("No providers enabled. Configure providers.toml and API keys.")
				return nil
			}
			table := NewTable(output, "PROVIDER", "MODEL", "$/M IN", "$/M OUT")
			for _, r := range rows {
				table.AddRow(r.Name, r.Model, fmt.Sprintf("%.2f", r.InputPerMillion), fmt.Sprintf("%.2f", r.OutputPerMillion))
			}
			table.Render()

			if len(presets) > 0 {
				output.Println()
				output.Bold("Presets")
				def := a.Registry.Config.Orchestrator.DefaultPreset
				for _, name := range sortedKeys(presets) {
					marker := " "
					if name == def {
						marker = "*"
					}
					output.Printf(" %s %-12s %v\n", marker, name, presets[name])
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Probe every provider concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, a.Registry.ProviderHealth)
		},
	})

	return cmd
}

func newHealthCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured workspace's broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, a.Registry.BrokerHealth)
		},
	}
}

func runHealth(cmd *cobra.Command, monitor *resilience.HealthMonitor) error {
	output := NewOutput(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	health := monitor.Check(ctx)
	if output.IsJSON() {
		return output.JSON(health)
	}
	if len(health.Components) == 0 {
		output.Dim("Nothing to check")
		return nil
	}

	table := NewTable(output, "NAME", "KIND", "STATUS", "LATENCY", "MESSAGE")
	for _, c := range health.Components {
		table.AddRow(c.Name, c.Kind, healthStatus(output, c.Status), FormatDuration(c.Latency), TruncateString(c.Message, 60))
	}
	table.Render()
	output.Printf("Overall: %s\n", healthStatus(output, health.Status))
	return nil
}

func healthStatus(output *Output, s resilience.HealthStatus) string {
	switch s {
	case resilience.HealthStatusHealthy:
		return output.Green("● " + string(s))
	case resilience.HealthStatusDegraded:
		return output.Yellow("● " + string(s))
	case resilience.HealthStatusUnhealthy:
		return output.Red("● " + string(s))
	}
	return output.DimText("● " + string(s))
}
