package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// MacroAgent scores the macro backdrop as a sector headwind.
type MacroAgent struct {
	base
}

func NewMacroAgent(opts Options) *MacroAgent {
	return &MacroAgent{base: newBase("macro", "analysis", opts)}
}

var macroSchema = map[string]string{
	"sector_headwind": "-1.0 (strong tailwind) to +1.0 (strong headwind)",
	"rate_pressure":   "EASING, NEUTRAL, or TIGHTENING",
	"summary":         "two-sentence macro summary",
	"confidence":      "confidence 0.0-1.0",
}

func (a *MacroAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	res, err := a.structured(ctx, st.RunID+"-analysis", a.buildPrompt(st), macroSchema, 0.3)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Macro analysis falling back to defaults")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return state.NewUpdate(a.name).
			SetMacro(map[string]any{
				"sector_headwind": 0.0,
				"rate_pressure":   "NEUTRAL",
				"summary":         "macro analysis unavailable, assuming a neutral backdrop",
				"confidence":      0.2,
			}).
			Explain("macro analysis unavailable (%v), assuming neutral backdrop", err), nil
	}

	out := map[string]any{
		"sector_headwind": clamp(getFloat(res.fields, "sector_headwind", 0), -1, 1),
		"rate_pressure":   strings.ToUpper(getString(res.fields, "rate_pressure", "NEUTRAL")),
		"summary":         getString(res.fields, "summary", ""),
		"confidence":      clamp01(getFloat(res.fields, "confidence", 0.5)),
	}
	if !res.complete {
		out[state.IncompleteJSONKey] = true
	}

	conf := out["confidence"].(float64)
	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)

	return state.NewUpdate(a.name).
		SetMacro(out).
		SetProvider(res.provider).
		Explain("sector headwind %.2f, rates %s (confidence %.2f)",
			out["sector_headwind"], out["rate_pressure"], conf), nil
}

func (a *MacroAgent) buildPrompt(st *state.DecisionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s (%s)\n", a.profile().Symbol, a.profile().Type)
	fmt.Fprintf(&b, "Policy rate: %.2f%%\n", st.MacroIn.PolicyRate)
	fmt.Fprintf(&b, "Inflation rate: %.2f%%\n", st.MacroIn.InflationRate)
	if st.MacroIn.HealthIndicator != nil {
		fmt.Fprintf(&b, "Sector health indicator: %.2f\n", *st.MacroIn.HealthIndicator)
	} else {
		b.WriteString("No sector health indicator is available.\n")
	}

	b.WriteString("\nScore the macro backdrop for this instrument over the next few sessions.")
	return b.String()
}
