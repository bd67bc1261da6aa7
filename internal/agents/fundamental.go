package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// FundamentalAgent judges whether the instrument is fundamentally
// attractive at the current price, mostly from order flow and market
// structure.
type FundamentalAgent struct {
	base
}

func NewFundamentalAgent(opts Options) *FundamentalAgent {
	return &FundamentalAgent{base: newBase("fundamental", "analysis", opts)}
}

var fundamentalSchema = map[string]string{
	"bullish_factors": "0.0-1.0 weight of the bullish fundamental case",
	"bearish_factors": "0.0-1.0 weight of the bearish fundamental case",
	"flow_bias":       "BUY, SELL, or BALANCED order-flow read",
	"summary":         "two-sentence fundamental summary",
	"confidence":      "confidence 0.0-1.0",
}

func (a *FundamentalAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	res, err := a.structured(ctx, st.RunID+"-analysis", a.buildPrompt(st), fundamentalSchema, 0.3)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Fundamental analysis falling back to defaults")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return state.NewUpdate(a.name).
			SetFundamental(map[string]any{
				"bullish_factors": 0.5,
				"bearish_factors": 0.5,
				"flow_bias":       "BALANCED",
				"summary":         "fundamental analysis unavailable, assuming balance",
				"confidence":      0.2,
			}).
			Explain("fundamental analysis unavailable (%v), assuming balanced factors", err), nil
	}

	out := map[string]any{
		"bullish_factors": clamp01(getFloat(res.fields, "bullish_factors", 0.5)),
		"bearish_factors": clamp01(getFloat(res.fields, "bearish_factors", 0.5)),
		"flow_bias":       strings.ToUpper(getString(res.fields, "flow_bias", "BALANCED")),
		"summary":         getString(res.fields, "summary", ""),
		"confidence":      clamp01(getFloat(res.fields, "confidence", 0.5)),
	}
	if !res.complete {
		out[state.IncompleteJSONKey] = true
	}

	conf := out["confidence"].(float64)
	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)

	return state.NewUpdate(a.name).
		SetFundamental(out).
		SetProvider(res.provider).
		Explain("bullish %.2f / bearish %.2f, flow %s (confidence %.2f)",
			out["bullish_factors"], out["bearish_factors"], out["flow_bias"], conf), nil
}

func (a *FundamentalAgent) buildPrompt(st *state.DecisionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s (%s on %s)\n", a.profile().Symbol, a.profile().Type, a.profile().Venue)
	fmt.Fprintf(&b, "Current price: %.4f\n", st.Market.Price)
	fmt.Fprintf(&b, "Best bid/ask: %.4f / %.4f\n", st.Market.BestBid, st.Market.BestAsk)

	if st.Market.TotalBuyQty > 0 || st.Market.TotalSellQty > 0 {
		fmt.Fprintf(&b, "Aggregate book: buy qty %.2f vs sell qty %.2f\n",
			st.Market.TotalBuyQty, st.Market.TotalSellQty)
		if total := st.Market.TotalBuyQty + st.Market.TotalSellQty; total > 0 {
			fmt.Fprintf(&b, "Buy-side share: %.1f%%\n", st.Market.TotalBuyQty/total*100)
		}
	}
	if len(st.Market.Bids) > 0 {
		b.WriteString("Top bids:")
		for _, lv := range st.Market.Bids {
			fmt.Fprintf(&b, " %.4f x %.2f", lv.Price, lv.Quantity)
		}
		b.WriteString("\nTop asks:")
		for _, lv := range st.Market.Asks {
			fmt.Fprintf(&b, " %.4f x %.2f", lv.Price, lv.Quantity)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nWeigh the bullish and bearish fundamental factors at this price.")
	return b.String()
}
