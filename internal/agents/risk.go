package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// RiskAgent produces one risk profile's sizing recommendation. Three
// instances run in parallel: aggressive, conservative, and neutral.
type RiskAgent struct {
	base
	variant string
	risk    config.RiskProfile
}

func NewRiskAgent(variant string, rp config.RiskProfile, opts Options) *RiskAgent {
	return &RiskAgent{
		base:    newBase(variant+"_risk", "risk", opts),
		variant: variant,
		risk:    rp,
	}
}

var riskSchema = map[string]string{
	"position_size": "recommended position size as a fraction of capital, 0.0-1.0",
	"stop_loss_pct": "stop-loss distance as a fraction of entry, e.g. 0.015",
	"take_profit":   "take-profit distance as a fraction of entry, e.g. 0.03",
	"reasoning":     "one-line sizing rationale",
	"confidence":    "confidence 0.0-1.0",
}

func (a *RiskAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	res, err := a.structured(ctx, st.RunID+"-risk", a.buildPrompt(st), riskSchema, 0.3)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Risk agent falling back to profile defaults")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return a.update(map[string]any{
			"position_size": a.risk.MaxPositionSize * 0.5,
			"stop_loss_pct": a.risk.StopLossPct,
			"take_profit":   a.risk.TakeProfitPct,
			"reasoning":     "model unavailable, using half the profile cap",
			"confidence":    0.2,
		}), nil
	}

	out := map[string]any{
		// the profile cap is a hard ceiling regardless of what the model says
		"position_size": clamp(getFloat(res.fields, "position_size", a.risk.RiskPerTrade), 0, a.risk.MaxPositionSize),
		"stop_loss_pct": clamp(getFloat(res.fields, "stop_loss_pct", a.risk.StopLossPct), 0.001, 0.25),
		"take_profit":   clamp(getFloat(res.fields, "take_profit", a.risk.TakeProfitPct), 0.001, 1),
		"reasoning":     getString(res.fields, "reasoning", ""),
		"confidence":    clamp01(getFloat(res.fields, "confidence", 0.5)),
	}
	if !res.complete {
		out[state.IncompleteJSONKey] = true
	}

	conf := out["confidence"].(float64)
	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)
	return a.update(out).SetProvider(res.provider), nil
}

func (a *RiskAgent) update(out map[string]any) *state.Update {
	u := state.NewUpdate(a.name)
	switch a.variant {
	case "aggressive":
		u.SetAggressiveRisk(out)
	case "conservative":
		u.SetConservativeRisk(out)
	default:
		u.SetNeutralRisk(out)
	}
	return u.Explain("%s sizing: %.1f%% of capital, stop %.2f%%, target %.2f%%",
		a.variant,
		out["position_size"].(float64)*100,
		out["stop_loss_pct"].(float64)*100,
		out["take_profit"].(float64)*100)
}

func (a *RiskAgent) buildPrompt(st *state.DecisionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s at %.4f\n", a.profile().Symbol, st.Market.Price)
	fmt.Fprintf(&b, "Bull case (confidence %.2f): %s\n", st.BullConfidence, st.BullThesis)
	fmt.Fprintf(&b, "Bear case (confidence %.2f): %s\n", st.BearConfidence, st.BearThesis)

	writeReport(&b, "Technical", st.Technical)

	fmt.Fprintf(&b, "\nHard caps for your %s profile: max position %.1f%% of capital, baseline risk %.1f%% per trade, default stop %.2f%%, default target %.2f%%.\n",
		a.variant,
		a.risk.MaxPositionSize*100,
		a.risk.RiskPerTrade*100,
		a.risk.StopLossPct*100,
		a.risk.TakeProfitPct*100)
	b.WriteString("Recommend a position size, stop, and target within those caps.")
	return b.String()
}
