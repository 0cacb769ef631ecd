package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradebridge/internal/app"
	"tradebridge/internal/models"
	"tradebridge/internal/resilience"
	"tradebridge/internal/store"
)

func addAnalysisCommands(rootCmd *cobra.Command, a *App) {
	rootCmd.AddCommand(newAnalyzeCmd(a))
	rootCmd.AddCommand(newDecisionsCmd(a))
}

func newAnalyzeCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <symbol>",
		Short: "Poll the AI providers and aggregate their votes",
		Long: `Builds a market snapshot from the workspace's broker, asks every selected
provider for a vote and aggregates the votes with the consensus method.

Providers come from --providers, else --preset, else the default preset,
else every enabled provider. With --execute, a tradeable decision is sent
as a market order after risk checks.`,
		Example: `  trader analyze EUR_USD
  trader analyze AAPL -t D --preset thorough --method supermajority
  trader analyze EUR_USD --providers openai,anthropic --execute --size 10000`,
		Args: requireArgs(1, "<symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tf, _ := cmd.Flags().GetString("timeframe")
			count, _ := cmd.Flags().GetInt("candles")
			preset, _ := cmd.Flags().GetString("preset")
			providers, _ := cmd.Flags().GetStringSlice("providers")
			method, _ := cmd.Flags().GetString("method")
			notes, _ := cmd.Flags().GetString("notes")
			execute, _ := cmd.Flags().GetBool("execute")
			size, _ := cmd.Flags().GetFloat64("size")
			if execute && size <= 0 {
				return fmt.Errorf("--execute needs a positive --size")
			}

			if !output.IsJSON() {
				output.Dim("Analyzing %s...", strings.ToUpper(args[0]))
			}
			res, err := a.Registry.Analyze(ctx, app.AnalyzeRequest{
				Workspace: a.workspace(cmd),
				Symbol:    strings.ToUpper(args[0]),
				Timeframe: models.Timeframe(strings.ToUpper(tf)),
				Candles:   count,
				Preset:    preset,
				Providers: providers,
				Method:    models.ConsensusMethod(method),
				Notes:     notes,
				Execute:   execute,
				Size:      size,
			})
			if res == nil {
				return err
			}
			if output.IsJSON() {
				if jerr := output.JSON(res); jerr != nil {
					return jerr
				}
				return err
			}

			displaySnapshot(output, res.Context)
			displayDecision(output, res.Decision)
			displayOpenBreakers(output, a.Registry.Orchestrator.Breakers())
			if res.Execution != nil {
				for _, w := range res.Execution.Validation.Warnings {
					output.Warning("⚠ %s", w)
				}
				if !res.Execution.Validation.IsValid {
					output.Error("✗ Not executed: %s", res.Execution.Validation.Message)
				} else if res.Execution.Order != nil {
					displayOrder(output, res.Execution.Order)
				}
			}
			return err
		},
	}
	cmd.Flags().StringP("timeframe", "t", "H1", "candle timeframe")
	cmd.Flags().Int("candles", app.DefaultCandles, "candles of history")
	cmd.Flags().String("preset", "", "provider preset from config")
	cmd.Flags().StringSlice("providers", nil, "explicit provider list")
	cmd.Flags().String("method", "", "majority, weighted, confidence_threshold, unanimous or supermajority")
	cmd.Flags().String("notes", "", "extra context passed to the providers")
	cmd.Flags().Bool("execute", false, "place the order when the decision is tradeable")
	cmd.Flags().Float64("size", 0, "order size for --execute")
	cmd.Flags().Duration("timeout", 3*time.Minute, "overall time limit")
	return cmd
}

func displaySnapshot(output *Output, mctx models.MarketContext) {
	output.Bold("%s %s @ %s", mctx.Symbol, mctx.Timeframe, FormatPrice(mctx.CurrentPrice))
	var parts []string
	for _, k := range []string{"rsi", "macd_hist", "atr", "sma_50", "sma_200"} {
		if v, ok := mctx.Indicators[k]; ok {
			parts = append(parts, fmt.Sprintf("%s %s", strings.ToUpper(k), FormatPrice(v)))
		}
	}
	if len(parts) > 0 {
		output.Dim("  %s", strings.Join(parts, "  "))
	}
	output.Dim("  support %s  resistance %s", levels(mctx.SupportLevels), levels(mctx.ResistanceLevels))
	output.Println()
}

func levels(vs []float64) string {
	if len(vs) == 0 {
		return "-"
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = FormatPrice(v)
	}
	return strings.Join(out, ", ")
}

func displayDecision(output *Output, d models.ConsensusResult) {
	table := NewTable(output, "PROVIDER", "MODEL", "VOTE", "CONF", "ENTRY", "SL", "TP", "TIME", "COST")
	for _, v := range d.Votes {
		vote := output.Direction(v.Direction)
		if v.Error {
			vote = output.Red("ERROR: " + TruncateString(v.ErrorMessage, 30))
		}
		table.AddRow(v.Provider, TruncateString(v.Model, 24), vote, FormatConfidence(v.Confidence),
			FormatOptionalPrice(v.Entry), FormatOptionalPrice(v.StopLoss), FormatOptionalPrice(v.TakeProfit),
			FormatDuration(v.ProcessingTime), fmt.Sprintf("$%.4f", v.Cost))
	}
	table.Render()
	output.Println()

	trade := output.Yellow("no trade")
	if d.ShouldTrade {
		trade = output.Green("TRADE")
	}
	output.Box(fmt.Sprintf("Consensus (%s)", d.Method), []string{
		fmt.Sprintf("Decision:   %s  %s", output.Direction(d.Direction), trade),
		fmt.Sprintf("Confidence: %s", FormatConfidence(d.Confidence)),
		fmt.Sprintf("Agreement:  %.1f%% (%s), %d/%d valid votes", d.AgreementPercentage, d.AgreementLevel, d.ValidVotes, d.TotalVotes),
		fmt.Sprintf("Entry:      %s  SL %s  TP %s  R:R %s", FormatOptionalPrice(d.Entry),
			FormatOptionalPrice(d.StopLoss), FormatOptionalPrice(d.TakeProfit), FormatRiskReward(d.RiskReward)),
		fmt.Sprintf("Cost:       $%.4f, %d tokens, %s", d.TotalCost, d.TotalTokens, FormatDuration(d.TotalLatency)),
		fmt.Sprintf("ID:         %s", d.ID),
	})
	if len(d.KeyFactors) > 0 {
		output.Bold("Key factors")
		for _, f := range d.KeyFactors {
			output.Println("  • " + f)
		}
	}
	if len(d.Risks) > 0 {
		output.Bold("Risks")
		for _, r := range d.Risks {
			output.Println("  • " + r)
		}
	}
	if len(d.ProvidersFailed) > 0 {
		output.Warning("Failed: %s", strings.Join(d.ProvidersFailed, ", "))
	}
}

func displayOpenBreakers(output *Output, stats []resilience.BreakerStats) {
	for _, s := range stats {
		if s.State != resilience.CircuitClosed {
			output.Warning("circuit %s for %s (%d consecutive failures)", s.State, s.Name, s.CurrentFailures)
		}
	}
}

func newDecisionsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions [id]",
		Short: "Show the consensus audit log",
		Long: `Without an id, lists recent decisions for the workspace. With an id, shows
the full decision including every vote.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if a.Registry.Store == nil {
				return fmt.Errorf("store is not available")
			}
			if len(args) == 1 {
				d, err := a.Registry.Store.GetConsensus(ctx, args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(d)
				}
				displayDecision(output, *d)
				return nil
			}

			filter := store.DecisionFilter{}
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			filter.Symbol, _ = cmd.Flags().GetString("symbol")
			filter.Symbol = strings.ToUpper(filter.Symbol)
			if all, _ := cmd.Flags().GetBool("all-workspaces"); !all {
				ws, _, err := a.Registry.Config.Workspace(a.workspace(cmd))
				if err != nil {
					return err
				}
				filter.Workspace = ws
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			if cmd.Flags().Changed("tradeable") {
				v, _ := cmd.Flags().GetBool("tradeable")
				filter.ShouldTrade = &v
			}

			rows, err := a.Registry.Store.ListConsensus(ctx, filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(rows)
			}
			if len(rows) == 0 {
				output.Dim("No decisions recorded")
				return nil
			}
			table := NewTable(output, "TIME", "SYMBOL", "TF", "METHOD", "DECISION", "CONF", "AGREE", "VOTES", "ORDER", "ID")
			for _, r := range rows {
				order := "-"
				if r.OrderID != "" {
					order = output.Green(r.OrderID)
				} else if r.ShouldTrade {
					order = output.Yellow("not executed")
				}
				table.AddRow(FormatDateTime(r.CreatedAt), r.Symbol, string(r.Timeframe), string(r.Method),
					output.Direction(r.Direction), FormatConfidence(r.Confidence), string(r.AgreementLevel),
					fmt.Sprintf("%d/%d", r.ValidVotes, r.TotalVotes), order, r.ID)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "rows to show")
	cmd.Flags().String("symbol", "", "only this symbol")
	cmd.Flags().Duration("since", 0, "only decisions newer than this (e.g. 24h)")
	cmd.Flags().Bool("tradeable", false, "only tradeable (true) or non-tradeable (false) decisions")
	cmd.Flags().Bool("all-workspaces", false, "include every workspace")
	return cmd
}
