package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// DebateSide picks which half of the debate an agent argues.
type DebateSide string

const (
	SideBull DebateSide = "bull"
	SideBear DebateSide = "bear"
)

// DebateAgent argues one side of the bull/bear debate from the four
// finished analysis reports.
type DebateAgent struct {
	base
	side DebateSide
}

func NewBullAgent(opts Options) *DebateAgent {
	return &DebateAgent{base: newBase("bull", "debate", opts), side: SideBull}
}

func NewBearAgent(opts Options) *DebateAgent {
	return &DebateAgent{base: newBase("bear", "debate", opts), side: SideBear}
}

var debateSchema = map[string]string{
	"thesis":     "the argument in 2-4 sentences",
	"confidence": "confidence in the thesis 0.0-1.0",
}

func (a *DebateAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	res, err := a.structured(ctx, st.RunID+"-debate", a.buildPrompt(st), debateSchema, 0.6)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Debate agent falling back to a default thesis")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return a.update(fmt.Sprintf("no %s case could be built, treating it as weak", a.side), 0.2), nil
	}

	thesis := getString(res.fields, "thesis", fmt.Sprintf("no explicit %s thesis returned", a.side))
	conf := clamp01(getFloat(res.fields, "confidence", 0.3))
	if !res.complete {
		// a truncated debate reply still yields a usable thesis, but it
		// should not carry full weight
		conf = clamp01(conf * 0.5)
	}

	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)
	return a.update(thesis, conf).SetProvider(res.provider), nil
}

func (a *DebateAgent) update(thesis string, conf float64) *state.Update {
	u := state.NewUpdate(a.name)
	if a.side == SideBull {
		u.SetBullCase(thesis, conf)
	} else {
		u.SetBearCase(thesis, conf)
	}
	return u.Explain("%s case (confidence %.2f): %s", a.side, conf, thesis)
}

func (a *DebateAgent) buildPrompt(st *state.DecisionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s at %.4f\n\n", a.profile().Symbol, st.Market.Price)

	writeReport(&b, "Technical", st.Technical)
	writeReport(&b, "Fundamental", st.Fundamental)
	writeReport(&b, "Sentiment", st.Sentiment)
	writeReport(&b, "Macro", st.Macro)

	if a.side == SideBull {
		b.WriteString("\nArgue the strongest honest bull case for a long position.")
	} else {
		b.WriteString("\nArgue the strongest honest bear case against a long position.")
	}
	return b.String()
}

func writeReport(b *strings.Builder, title string, report map[string]any) {
	if len(report) == 0 {
		fmt.Fprintf(b, "%s report: unavailable\n", title)
		return
	}
	clean := make(map[string]any, len(report))
	for k, v := range report {
		if k == state.IncompleteJSONKey {
			continue
		}
		clean[k] = v
	}
	data, err := json.Marshal(clean)
	if err != nil {
		fmt.Fprintf(b, "%s report: unavailable\n", title)
		return
	}
	fmt.Fprintf(b, "%s report: %s\n", title, data)
}
