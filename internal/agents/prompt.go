package agents

import (
	"encoding/json"
	"fmt"

	"tradebridge/internal/models"
)

const systemPrompt = `You are a disciplined trading analyst. You are given a market snapshot as JSON.
Decide whether to BUY, SELL or HOLD the instrument on the stated timeframe.

Reply with a single JSON object and nothing else:
{
  "direction": "BUY" | "SELL" | "HOLD",
  "confidence": number from 0 to 100,
  "entry": number or null,
  "stop_loss": number or null,
  "take_profit": number or null,
  "reasoning": "two or three sentences",
  "key_factors": ["short phrase", ...],
  "risks": ["short phrase", ...]
}

For BUY the stop loss must be below entry and the take profit above it; for SELL the reverse.
Use HOLD with low confidence when the evidence is mixed.`

// maxPromptCandles caps how much history is sent to a model.
const maxPromptCandles = 100

// buildUserPrompt serializes the market context for a model.
func buildUserPrompt(mctx models.MarketContext) (string, error) {
	if len(mctx.Candles) > maxPromptCandles {
		mctx.Candles = mctx.Candles[len(mctx.Candles)-maxPromptCandles:]
	}
	data, err := json.MarshalIndent(mctx, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding market context: %w", err)
	}
	return fmt.Sprintf("Market snapshot for %s (%s):\n%s", mctx.Symbol, mctx.Timeframe, data), nil
}
