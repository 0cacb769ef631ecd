package agents

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"tradebridge/internal/models"
)

var (
	numberPattern    = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?|-?\.\d+`)
	directionPattern = regexp.MustCompile(`\b(STRONG[_ ]BUY|STRONG[_ ]SELL|BUY|SELL|HOLD|LONG|SHORT|NEUTRAL)\b`)
)

// ParseAnalysis turns a model's reply into a vote. It tries a JSON object
// first and falls back to "KEY: value" lines. Fields that cannot be read are
// left nil. A reply with no readable direction becomes an error vote.
func ParseAnalysis(provider, model, raw string) models.AIAnalysis {
	vote, ok := parseJSONReply(raw)
	if !ok {
		vote, ok = parseTextReply(raw)
	}
	if !ok {
		ev := models.ErrorVote(provider, model, "unparseable response")
		ev.RawResponse = raw
		return ev
	}

	vote.Provider = provider
	vote.Model = model
	vote.RawResponse = raw
	normalizeVote(&vote)
	return vote
}

func parseJSONReply(raw string) (models.AIAnalysis, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.AIAnalysis{}, false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return models.AIAnalysis{}, false
	}

	lookup := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		lookup[canonicalKey(k)] = v
	}

	dirValue, ok := firstOf(lookup, "DIRECTION", "RECOMMENDATION", "ACTION", "SIGNAL", "DECISION")
	if !ok {
		return models.AIAnalysis{}, false
	}
	dirText, _ := dirValue.(string)

	var vote models.AIAnalysis
	vote.Direction = directionFrom(dirText)

	if v, ok := firstOf(lookup, "CONFIDENCE"); ok {
		if f, ok := numberFrom(v); ok {
			vote.Confidence = f
		}
	}
	vote.Entry = priceFrom(lookup, "ENTRY", "ENTRY_PRICE")
	vote.StopLoss = priceFrom(lookup, "STOP_LOSS", "STOPLOSS", "SL")
	vote.TakeProfit = priceFrom(lookup, "TAKE_PROFIT", "TAKEPROFIT", "TARGET", "TP")
	if v, ok := firstOf(lookup, "RISK_REWARD", "RISK_REWARD_RATIO"); ok {
		if f, ok := numberFrom(v); ok && f > 0 {
			vote.RiskReward = models.Float(f)
		}
	}
	if v, ok := firstOf(lookup, "REASONING", "RATIONALE", "ANALYSIS"); ok {
		vote.Reasoning, _ = v.(string)
	}
	if v, ok := firstOf(lookup, "KEY_FACTORS", "FACTORS"); ok {
		vote.KeyFactors = stringsFrom(v)
	}
	if v, ok := firstOf(lookup, "RISKS"); ok {
		vote.Risks = stringsFrom(v)
	}
	return vote, true
}

func parseTextReply(raw string) (models.AIAnalysis, bool) {
	var vote models.AIAnalysis
	found := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*#> "))
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := canonicalKey(strings.Trim(line[:idx], "* "))
		value := strings.TrimSpace(strings.Trim(line[idx+1:], "* "))

		switch key {
		case "DIRECTION", "RECOMMENDATION", "ACTION", "SIGNAL", "DECISION":
			if !found {
				vote.Direction = directionFrom(value)
				found = directionPattern.MatchString(strings.ToUpper(value))
			}
		case "CONFIDENCE":
			if f, ok := numberFrom(value); ok {
				vote.Confidence = f
			}
		case "ENTRY", "ENTRY_PRICE":
			vote.Entry = positive(value)
		case "STOP_LOSS", "STOPLOSS", "SL":
			vote.StopLoss = positive(value)
		case "TAKE_PROFIT", "TAKEPROFIT", "TARGET", "TARGET1", "TP":
			if vote.TakeProfit == nil {
				vote.TakeProfit = positive(value)
			}
		case "REASONING", "RATIONALE":
			vote.Reasoning = value
		case "KEY_FACTORS", "FACTORS":
			vote.KeyFactors = splitList(value)
		case "RISKS":
			vote.Risks = splitList(value)
		}
	}
	return vote, found
}

func normalizeVote(v *models.AIAnalysis) {
	// some models answer 0.82 instead of 82
	if v.Confidence > 0 && v.Confidence <= 1 {
		v.Confidence *= 100
	}
	v.Confidence = models.ClampConfidence(v.Confidence)

	if v.RiskReward == nil && v.Entry != nil && v.StopLoss != nil && v.TakeProfit != nil {
		if rr := models.CalculateRiskReward(v.Direction, *v.Entry, *v.StopLoss, *v.TakeProfit); rr > 0 {
			v.RiskReward = models.Float(rr)
		}
	}
}

func canonicalKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, " ", "_")
	return strings.ReplaceAll(k, "-", "_")
}

func firstOf(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func directionFrom(s string) models.Direction {
	m := directionPattern.FindString(strings.ToUpper(s))
	return models.ParseDirection(strings.ReplaceAll(m, " ", "_"))
}

func numberFrom(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		m := numberPattern.FindString(n)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		return f, err == nil
	}
	return 0, false
}

func priceFrom(m map[string]interface{}, keys ...string) *float64 {
	v, ok := firstOf(m, keys...)
	if !ok {
		return nil
	}
	if f, ok := numberFrom(v); ok && f > 0 {
		return models.Float(f)
	}
	return nil
}

func positive(s string) *float64 {
	if f, ok := numberFrom(s); ok && f > 0 {
		return models.Float(f)
	}
	return nil
}

func stringsFrom(v interface{}) []string {
	switch items := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		return splitList(items)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
