package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tradebridge/internal/models"
)

// Output handles formatted output for the CLI. In JSON mode only JSON is
// written; colors are off when stdout is not a terminal.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as indented JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if o.colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (o *Output) line(c *color.Color, format string, args ...interface{}) {
	c.Fprintln(o.writer, fmt.Sprintf(format, args...))
}

// Success prints a message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(o.paint(color.FgGreen), format, args...)
}

// Error prints a message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(o.paint(color.FgRed), format, args...)
}

// Warning prints a message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(o.paint(color.FgYellow), format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(o.paint(color.Bold), format, args...)
}

// Dim prints a faint message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(o.paint(color.Faint), format, args...)
}

// Green returns green text.
func (o *Output) Green(text string) string { return o.paint(color.FgGreen).Sprint(text) }

// Red returns red text.
func (o *Output) Red(text string) string { return o.paint(color.FgRed).Sprint(text) }

// Yellow returns yellow text.
func (o *Output) Yellow(text string) string { return o.paint(color.FgYellow).Sprint(text) }

// DimText returns faint text.
func (o *Output) DimText(text string) string { return o.paint(color.Faint).Sprint(text) }

// FormatPnL formats a P&L amount, green when positive and red when negative.
func (o *Output) FormatPnL(pnl float64, currency string) string {
	s := FormatPnL(pnl, currency)
	switch {
	case pnl > 0:
		return o.Green(s)
	case pnl < 0:
		return o.Red(s)
	}
	return s
}

// Direction colors a vote or decision direction.
func (o *Output) Direction(d models.Direction) string {
	switch d {
	case models.DirectionBuy:
		return o.Green("↑ BUY")
	case models.DirectionSell:
		return o.Red("↓ SELL")
	}
	return o.Yellow("→ HOLD")
}

// Status colors an order status.
func (o *Output) Status(s models.OrderStatus) string {
	switch s {
	case models.OrderStatusFilled:
		return o.Green(string(s))
	case models.OrderStatusRejected, models.OrderStatusCancelled, models.OrderStatusExpired:
		return o.Red(string(s))
	}
	return o.Yellow(string(s))
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{headers: headers, output: output}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	t.printRow(t.headers, widths, true)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("─", w)
	}
	t.output.Println(t.output.DimText(strings.Join(parts, "──")))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	bold := t.output.paint(color.Bold)
	var parts []string
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := cell + strings.Repeat(" ", max(0, widths[i]-visibleLen(cell)))
		if isHeader {
			padded = bold.Sprint(padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.Join(parts, "  "))
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleLen is the printed width of s, ignoring color escapes.
func visibleLen(s string) int {
	return len([]rune(ansiPattern.ReplaceAllString(s, "")))
}

// Box draws a box around content.
func (o *Output) Box(title string, content []string) {
	width := len([]rune(title))
	for _, line := range content {
		if n := visibleLen(line); n > width {
			width = n
		}
	}
	border := strings.Repeat("─", width+2)
	dim := o.paint(color.Faint)

	o.Println(dim.Sprint("┌" + border + "┐"))
	o.Printf("%s %s%s %s\n", dim.Sprint("│"), o.paint(color.Bold).Sprint(title),
		strings.Repeat(" ", width-len([]rune(title))), dim.Sprint("│"))
	o.Println(dim.Sprint("├" + border + "┤"))
	for _, line := range content {
		o.Printf("%s %s%s %s\n", dim.Sprint("│"), line,
			strings.Repeat(" ", width-visibleLen(line)), dim.Sprint("│"))
	}
	o.Println(dim.Sprint("└" + border + "┘"))
}
