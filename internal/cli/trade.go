package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tradebridge/internal/models"
)

func addTradingCommands(rootCmd *cobra.Command, a *App) {
	rootCmd.AddCommand(newOrdersCmd(a))
	rootCmd.AddCommand(newPositionsCmd(a))
}

func newOrdersCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Place, inspect and cancel orders",
	}
	cmd.AddCommand(newPlaceOrderCmd(a))
	cmd.AddCommand(newCancelOrderCmd(a))
	cmd.AddCommand(newGetOrderCmd(a))
	cmd.AddCommand(newOpenOrdersCmd(a))
	return cmd
}

func newPlaceOrderCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <symbol> <buy|sell> <size>",
		Short: "Place an order after risk checks",
		Long: `Places an order on the workspace's broker. Orders pass the configured risk
limits first; an oversized order is reduced to the position cap.`,
		Example: `  trader orders place EUR_USD buy 10000 --sl 1.08 --tp 1.10
  trader orders place AAPL sell 5 --type limit --price 190
  trader orders place AAPL buy 1 --type stop --stop-price 195`,
		Args: requireArgs(3, "<symbol> <buy|sell> <size>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			req, err := orderFromFlags(cmd, args)
			if err != nil {
				return err
			}

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			if skip, _ := cmd.Flags().GetBool("skip-checks"); skip {
				order, err := b.PlaceOrder(ctx, req)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(order)
				}
				displayOrder(output, order)
				return nil
			}

			exec, err := a.Registry.Executor(b).Execute(ctx, req)
			if exec != nil && !output.IsJSON() {
				for _, w := range exec.Validation.Warnings {
					output.Warning("⚠ %s", w)
				}
				if !exec.Validation.IsValid {
					output.Error("✗ Rejected: %s", exec.Validation.Message)
				}
			}
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(exec)
			}
			displayOrder(output, exec.Order)
			return nil
		},
	}
	cmd.Flags().String("type", "market", "market, limit, stop or stop_limit")
	cmd.Flags().Float64("price", 0, "limit price")
	cmd.Flags().Float64("stop-price", 0, "stop trigger price")
	cmd.Flags().Float64("sl", 0, "stop loss")
	cmd.Flags().Float64("tp", 0, "take profit")
	cmd.Flags().String("tif", "gtc", "gtc, day, ioc or fok")
	cmd.Flags().Float64("leverage", 0, "leverage where the broker supports it")
	cmd.Flags().String("client-id", "", "client order id (generated when empty)")
	cmd.Flags().Bool("skip-checks", false, "send without risk validation")
	return cmd
}

func orderFromFlags(cmd *cobra.Command, args []string) (models.OrderRequest, error) {
	var size float64
	if _, err := fmt.Sscanf(args[2], "%g", &size); err != nil {
		return models.OrderRequest{}, fmt.Errorf("invalid size %q", args[2])
	}
	typ, _ := cmd.Flags().GetString("type")
	tif, _ := cmd.Flags().GetString("tif")
	leverage, _ := cmd.Flags().GetFloat64("leverage")
	clientID, _ := cmd.Flags().GetString("client-id")

	req := models.OrderRequest{
		Symbol:        strings.ToUpper(args[0]),
		Side:          models.OrderSide(strings.ToLower(args[1])),
		Type:          models.OrderType(strings.ToLower(typ)),
		Size:          size,
		Price:         optionalFlag(cmd, "price"),
		StopPrice:     optionalFlag(cmd, "stop-price"),
		StopLoss:      optionalFlag(cmd, "sl"),
		TakeProfit:    optionalFlag(cmd, "tp"),
		TimeInForce:   models.TimeInForce(strings.ToLower(tif)),
		Leverage:      leverage,
		ClientOrderID: clientID,
	}
	return req, req.Validate()
}

// optionalFlag returns nil for a price flag left at zero.
func optionalFlag(cmd *cobra.Command, name string) *float64 {
	v, _ := cmd.Flags().GetFloat64(name)
	if v == 0 {
		return nil
	}
	return &v
}

func newCancelOrderCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a working order",
		Args:  requireArgs(1, "<order-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			order, err := b.CancelOrder(ctx, args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("✓ Order %s %s", order.OrderID, order.Status)
			return nil
		},
	}
}

func newGetOrderCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <order-id>",
		Short: "Show one order",
		Args:  requireArgs(1, "<order-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			order, err := b.GetOrder(ctx, args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			displayOrder(output, order)
			return nil
		},
	}
}

func newOpenOrdersCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "open [symbol]",
		Short: "List working orders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			symbol := ""
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			}
			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			orders, err := b.GetOpenOrders(ctx, symbol)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No open orders")
				return nil
			}
			table := NewTable(output, "ID", "SYMBOL", "SIDE", "TYPE", "SIZE", "FILLED", "PRICE", "STATUS", "CREATED")
			for _, o := range orders {
				table.AddRow(o.OrderID, o.Symbol, string(o.Side), string(o.Type), FormatSize(o.RequestedSize),
					FormatSize(o.FilledSize), FormatPrice(o.Price), output.Status(o.Status), FormatDateTime(o.CreatedAt))
			}
			table.Render()
			return nil
		},
	}
}

func displayOrder(output *Output, o *models.OrderResult) {
	lines := []string{
		fmt.Sprintf("Symbol:    %s", o.Symbol),
		fmt.Sprintf("Side:      %s %s", o.Side, o.Type),
		fmt.Sprintf("Status:    %s", output.Status(o.Status)),
		fmt.Sprintf("Size:      %s (filled %s)", FormatSize(o.RequestedSize), FormatSize(o.FilledSize)),
	}
	if o.Price != 0 {
		lines = append(lines, fmt.Sprintf("Price:     %s", FormatPrice(o.Price)))
	}
	if o.AverageFillPrice != 0 {
		lines = append(lines, fmt.Sprintf("Avg fill:  %s", FormatPrice(o.AverageFillPrice)))
	}
	if o.ClientOrderID != "" {
		lines = append(lines, fmt.Sprintf("Client ID: %s", o.ClientOrderID))
	}
	if o.Error != "" {
		lines = append(lines, fmt.Sprintf("Error:     %s", output.Red(o.Error)))
	}
	output.Box("Order "+o.OrderID, lines)
}

func newPositionsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List, close and modify open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPositions(cmd, a)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPositions(cmd, a)
		},
	})
	cmd.AddCommand(newClosePositionCmd(a))
	cmd.AddCommand(newModifyPositionCmd(a))
	return cmd
}

func listPositions(cmd *cobra.Command, a *App) error {
	output := NewOutput(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	b, err := a.broker(cmd)
	if err != nil {
		return err
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(positions)
	}
	if len(positions) == 0 {
		output.Dim("No open positions")
		return nil
	}

	var total float64
	table := NewTable(output, "SYMBOL", "SIDE", "SIZE", "ENTRY", "CURRENT", "SL", "TP", "P&L")
	for _, p := range positions {
		side := output.Green(string(p.Side))
		if p.Side == models.PositionShort {
			side = output.Red(string(p.Side))
		}
		table.AddRow(p.Symbol, side, FormatSize(p.Size), FormatPrice(p.EntryPrice), FormatPrice(p.CurrentPrice),
			FormatOptionalPrice(p.StopLoss), FormatOptionalPrice(p.TakeProfit), output.FormatPnL(p.UnrealizedPnL, ""))
		total += p.UnrealizedPnL
	}
	table.Render()
	output.Printf("Unrealized total: %s\n", output.FormatPnL(total, ""))
	return nil
}

func newClosePositionCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <symbol>",
		Short: "Close a position, fully or partially",
		Args:  requireArgs(1, "<symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			order, err := b.ClosePosition(ctx, strings.ToUpper(args[0]), optionalFlag(cmd, "size"))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			displayOrder(output, order)
			return nil
		},
	}
	cmd.Flags().Float64("size", 0, "size to close (default: all)")
	return cmd
}

func newModifyPositionCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <symbol>",
		Short: "Change a position's stop loss or take profit",
		Args:  requireArgs(1, "<symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			sl, tp := optionalFlag(cmd, "sl"), optionalFlag(cmd, "tp")
			if sl == nil && tp == nil {
				return fmt.Errorf("nothing to modify: pass --sl and/or --tp")
			}
			b, err := a.broker(cmd)
			if err != nil {
				return err
			}
			pos, err := b.ModifyPosition(ctx, strings.ToUpper(args[0]), sl, tp)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(pos)
			}
			output.Success("✓ %s SL %s TP %s", pos.Symbol, FormatOptionalPrice(pos.StopLoss), FormatOptionalPrice(pos.TakeProfit))
			return nil
		},
	}
	cmd.Flags().Float64("sl", 0, "new stop loss")
	cmd.Flags().Float64("tp", 0, "new take profit")
	return cmd
}
