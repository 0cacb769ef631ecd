package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

const requestTimeout = 30 * time.Second

func addMarketDataCommands(rootCmd *cobra.Command, a *App) {
	rootCmd.AddCommand(newAccountCmd(a))
	rootCmd.AddCommand(newInstrumentsCmd(a))
	rootCmd.AddCommand(newPriceCmd(a))
	rootCmd.AddCommand(newStreamCmd(a))
	rootCmd.AddCommand(newCandlesCmd(a))
}

func newAccountCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show balance, equity and margin",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			info, err := b.GetAccountInfo(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(info)
			}

			cur := info.Currency
			output.Box(fmt.Sprintf("%s account", b.Name()), []string{
				fmt.Sprintf("Balance:          %s", FormatMoney(info.Balance, cur)),
				fmt.Sprintf("Equity:           %s", FormatMoney(info.Equity, cur)),
				fmt.Sprintf("Unrealized P&L:   %s", output.FormatPnL(info.UnrealizedPnL, cur)),
				fmt.Sprintf("Realized today:   %s", output.FormatPnL(info.RealizedPnLToday, cur)),
				fmt.Sprintf("Margin used:      %s", FormatMoney(info.MarginUsed, cur)),
				fmt.Sprintf("Margin available: %s", FormatMoney(info.MarginAvailable, cur)),
				fmt.Sprintf("Leverage:         %gx", info.Leverage),
			})
			return nil
		},
	}
}

func newInstrumentsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List tradeable instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			instruments, err := b.GetInstruments(ctx)
			if err != nil {
				return err
			}

			filter, _ := cmd.Flags().GetString("filter")
			filter = strings.ToUpper(filter)
			if filter != "" {
				kept := instruments[:0]
				for _, in := range instruments {
					if strings.Contains(strings.ToUpper(in.Symbol), filter) ||
						strings.Contains(strings.ToUpper(in.DisplayName), filter) {
						kept = append(kept, in)
					}
				}
				instruments = kept
			}
			sort.Slice(instruments, func(i, j int) bool { return instruments[i].Symbol < instruments[j].Symbol })

			if output.IsJSON() {
				return output.JSON(instruments)
			}
			table := NewTable(output, "SYMBOL", "NAME", "TYPE", "MIN SIZE", "STEP", "MARGIN")
			for _, in := range instruments {
				table.AddRow(in.Symbol, TruncateString(in.DisplayName, 32), string(in.Type),
					FormatSize(in.MinSize), FormatSize(in.SizeIncrement), FormatPercent(in.MarginRate*100))
			}
			table.Render()
			output.Dim("%d instruments", len(instruments))
			return nil
		},
	}
	cmd.Flags().StringP("filter", "f", "", "only symbols or names containing this text")
	return cmd
}

func newPriceCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:     "price <symbol> [symbol...]",
		Short:   "Get the current quote",
		Example: "  trader price EUR_USD\n  trader price AAPL MSFT -w alpaca-paper",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			symbols := upper(args)
			prices, err := b.GetPrices(ctx, symbols)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(prices)
			}
			table := NewTable(output, "SYMBOL", "BID", "ASK", "MID", "SPREAD", "TIME")
			for _, s := range symbols {
				t, ok := prices[s]
				if !ok {
					table.AddRow(s, "-", "-", "-", "-", output.Red("no quote"))
					continue
				}
				table.AddRow(s, FormatPrice(t.Bid), FormatPrice(t.Ask), FormatPrice(t.Mid()),
					FormatPrice(t.Spread()), FormatDateTime(t.Timestamp))
			}
			table.Render()
			return nil
		},
	}
}

func newStreamCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <symbol> [symbol...]",
		Short: "Stream live quotes until interrupted",
		Long: `Streams quotes from the workspace's broker. A dropped stream is reopened with
exponential backoff up to --reconnects times.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			reconnects, _ := cmd.Flags().GetInt("reconnects")
			symbols := upper(args)

			policy := utils.DefaultRetryConfig()
			policy.MaxAttempts = reconnects + 1
			policy.InitialDelay = time.Second
			policy.MaxDelay = 30 * time.Second
			policy.OnRetry = func(attempt int, delay time.Duration, err error) {
				a.Registry.Logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Stream dropped, reconnecting")
			}

			if !output.IsJSON() {
				output.Dim("Streaming %s from %s (Ctrl+C to stop)", strings.Join(symbols, ", "), b.Name())
			}
			return utils.Retry(cmd.Context(), policy, func() error {
				return streamOnce(cmd.Context(), b, symbols, output)
			})
		},
	}
	cmd.Flags().Int("reconnects", 5, "reconnect attempts after the stream drops")
	return cmd
}

// streamOnce prints ticks until ctx ends (nil) or the stream fails.
func streamOnce(ctx context.Context, b broker.Broker, symbols []string, output *Output) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticks, errs := b.StreamPrices(ctx, symbols)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case t, ok := <-ticks:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("stream closed")
			}
			if output.IsJSON() {
				if err := output.JSON(t); err != nil {
					return err
				}
				continue
			}
			output.Printf("%s  %-10s %s / %s\n", output.DimText(t.Timestamp.Local().Format("15:04:05")),
				t.Symbol, output.Red(FormatPrice(t.Bid)), output.Green(FormatPrice(t.Ask)))
		}
	}
}

func newCandlesCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candles <symbol>",
		Short: "Get historical OHLCV candles",
		Long: `Fetches candles from the broker. Fetched candles are cached in the local
store; --cached reads the cache instead of calling the broker.`,
		Example: "  trader candles EUR_USD --timeframe M15 --count 50\n  trader candles AAPL -t D --cached",
		Args:    requireArgs(1, "<symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*requestTimeout)
			defer cancel()

			symbol := strings.ToUpper(args[0])
			tfFlag, _ := cmd.Flags().GetString("timeframe")
			count, _ := cmd.Flags().GetInt("count")
			cached, _ := cmd.Flags().GetBool("cached")
			tf := models.Timeframe(strings.ToUpper(tfFlag))
			if !tf.IsValid() {
				return fmt.Errorf("invalid timeframe %q", tfFlag)
			}

			workspace, _, err := a.Registry.Config.Workspace(a.workspace(cmd))
			if err != nil {
				return err
			}

			var candles []models.Candle
			if cached {
				if a.Registry.Store == nil {
					return fmt.Errorf("store is not available")
				}
				to := time.Now()
				from := to.Add(-time.Duration(count) * tf.Duration())
				candles, err = a.Registry.Store.GetCandles(ctx, workspace, symbol, tf, from, to)
			} else {
				var b broker.Broker
				if b, err = a.Registry.Broker(ctx, workspace); err != nil {
					return err
				}
				candles, err = b.GetCandles(ctx, broker.CandleRequest{Symbol: symbol, Timeframe: tf, Count: count})
				if err == nil && a.Registry.Store != nil && len(candles) > 0 {
					if serr := a.Registry.Store.SaveCandles(ctx, workspace, candles); serr != nil {
						a.Registry.Logger.Debug().Err(serr).Msg("Failed to cache candles")
					}
				}
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(candles)
			}
			table := NewTable(output, "TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, c := range candles {
				closeStr := FormatPrice(c.Close)
				if c.Close > c.Open {
					closeStr = output.Green(closeStr)
				} else if c.Close < c.Open {
					closeStr = output.Red(closeStr)
				}
				table.AddRow(FormatDateTime(c.Timestamp), FormatPrice(c.Open), FormatPrice(c.High),
					FormatPrice(c.Low), closeStr, FormatSize(c.Volume))
			}
			table.Render()
			output.Dim("%d candles %s %s", len(candles), symbol, tf)
			return nil
		},
	}
	cmd.Flags().StringP("timeframe", "t", "H1", "M1, M5, M15, M30, H1, H4, D, W, MN")
	cmd.Flags().IntP("count", "n", 100, "number of candles")
	cmd.Flags().Bool("cached", false, "read from the local cache only")
	return cmd
}

func upper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}
