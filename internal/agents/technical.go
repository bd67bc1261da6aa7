package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/indicators"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// TechnicalAgent owns the technical analysis slot. Indicators are
// computed locally; the model only interprets them.
type TechnicalAgent struct {
	base
}

// NewTechnicalAgent creates the technical analyst node.
func NewTechnicalAgent(opts Options) *TechnicalAgent {
	return &TechnicalAgent{base: newBase("technical", "analysis", opts)}
}

var technicalSchema = map[string]string{
	"trend":      "UP, DOWN, or SIDEWAYS",
	"strength":   "trend strength 0-100",
	"momentum":   "one-line momentum read",
	"support":    "nearest support price",
	"resistance": "nearest resistance price",
	"summary":    "two-sentence technical summary",
	"confidence": "confidence 0.0-1.0",
}

// Process computes indicators from the snapshot, asks for an
// interpretation, and writes the technical slot.
func (a *TechnicalAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	prompt, computed := a.buildPrompt(st)

	res, err := a.structured(ctx, st.RunID+"-analysis", prompt, technicalSchema, 0.3)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Technical analysis falling back to defaults")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return state.NewUpdate(a.name).
			SetTechnical(a.defaults(st, computed)).
			Explain("technical analysis unavailable (%v), using neutral defaults", err), nil
	}

	out := map[string]any{
		"trend":      normalizeTrend(getString(res.fields, "trend", "SIDEWAYS")),
		"strength":   clamp(getFloat(res.fields, "strength", 30), 0, 100),
		"momentum":   getString(res.fields, "momentum", "no momentum read"),
		"support":    getFloat(res.fields, "support", computed["support"]),
		"resistance": getFloat(res.fields, "resistance", computed["resistance"]),
		"summary":    getString(res.fields, "summary", ""),
		"confidence": clamp01(getFloat(res.fields, "confidence", 0.5)),
	}
	for k, v := range computed {
		out[k] = v
	}
	if !res.complete {
		out[state.IncompleteJSONKey] = true
	}

	conf := out["confidence"].(float64)
	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)

	return state.NewUpdate(a.name).
		SetTechnical(out).
		SetProvider(res.provider).
		Explain("trend %s (strength %.0f, confidence %.2f): %s",
			out["trend"], out["strength"], conf, out["summary"]), nil
}

// buildPrompt renders the indicator table the model interprets. The
// computed values also ride along in the output slot so downstream
// nodes can use them without reparsing model text.
func (a *TechnicalAgent) buildPrompt(st *state.DecisionState) (string, map[string]float64) {
	computed := map[string]float64{}

	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s (%s)\n", a.profile().Symbol, a.profile().Type)
	fmt.Fprintf(&b, "Current price: %.4f\n", st.Market.Price)
	fmt.Fprintf(&b, "Best bid/ask: %.4f / %.4f\n", st.Market.BestBid, st.Market.BestAsk)

	closes := st.LatestCloses("15m", 40)
	if len(closes) == 0 {
		closes = st.LatestCloses("1m", 40)
	}

	if rsi, err := indicators.RSI(closes, indicators.DefaultRSIPeriod); err == nil {
		computed["rsi"] = rsi
		fmt.Fprintf(&b, "RSI(14): %.1f (%s)\n", rsi, indicators.ClassifyRSI(rsi))
	}
	if macd, err := indicators.MACDDefault(closes); err == nil {
		computed["macd"] = macd.MACD
		computed["macd_signal"] = macd.Signal
		fmt.Fprintf(&b, "MACD: %.4f signal %.4f histogram %.4f crossover %s\n", macd.MACD, macd.Signal, macd.Histogram, macd.Crossover)
	}
	if bb, err := indicators.Bollinger(closes, 20); err == nil {
		fmt.Fprintf(&b, "Bollinger: upper %.4f middle %.4f lower %.4f\n", bb.Upper, bb.Middle, bb.Lower)
	}

	if bars := candlesFor(st, "15m", "1m"); len(bars) > 0 {
		highs := make([]float64, len(bars))
		lows := make([]float64, len(bars))
		for i, bar := range bars {
			highs[i] = bar.High
			lows[i] = bar.Low
		}
		if lv, err := indicators.RecentLevels(highs, lows, indicators.DefaultLevelBars); err == nil {
			computed["support"] = lv.Support
			computed["resistance"] = lv.Resistance
			fmt.Fprintf(&b, "Support %.4f / Resistance %.4f over last %d bars\n", lv.Support, lv.Resistance, lv.Bars)
		}
		if atr, err := atrFromCandles(bars); err == nil {
			computed["atr"] = atr
			fmt.Fprintf(&b, "ATR: %.4f (%.2f%% of price)\n", atr, atr/st.Market.Price*100)
		}
	}

	if len(computed) == 0 {
		b.WriteString("No candle history is available; judge from price and book only.\n")
	}
	b.WriteString("\nInterpret these indicators.")
	return b.String(), computed
}

// defaults is the instrument-aware neutral output used when the model
// is unreachable.
func (a *TechnicalAgent) defaults(st *state.DecisionState, computed map[string]float64) map[string]any {
	spreadPct := 0.01
	if a.profile().Type.IsCrypto() {
		spreadPct = 0.02 // crypto books are thinner, keep the band wider
	}
	support := computed["support"]
	resistance := computed["resistance"]
	if support == 0 {
		support = st.Market.Price * (1 - spreadPct)
	}
	if resistance == 0 {
		resistance = st.Market.Price * (1 + spreadPct)
	}

	out := map[string]any{
		"trend":      "SIDEWAYS",
		"strength":   0.0,
		"momentum":   "unknown",
		"support":    support,
		"resistance": resistance,
		"summary":    "technical analysis unavailable, defaulting to sideways",
		"confidence": 0.2,
	}
	for k, v := range computed {
		out[k] = v
	}
	return out
}

func normalizeTrend(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP", "UPTREND", "BULLISH":
		return "UP"
	case "DOWN", "DOWNTREND", "BEARISH":
		return "DOWN"
	default:
		return "SIDEWAYS"
	}
}

func candlesFor(st *state.DecisionState, timeframes ...string) []state.Candle {
	for _, tf := range timeframes {
		if bars := st.Market.Candles[tf]; len(bars) > 0 {
			return bars
		}
	}
	return nil
}

func atrFromCandles(bars []state.Candle) (float64, error) {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = bar.High
		lows[i] = bar.Low
		closes[i] = bar.Close
	}
	return indicators.ATR(highs, lows, closes, indicators.DefaultATRPeriod)
}
