package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// maxHeadlines bounds how much news rides into one prompt.
const maxHeadlines = 8

// SentimentAgent reads the snapshot's news and aggregate sentiment
// score and judges crowd positioning.
type SentimentAgent struct {
	base
}

func NewSentimentAgent(opts Options) *SentimentAgent {
	return &SentimentAgent{base: newBase("sentiment", "analysis", opts)}
}

var sentimentSchema = map[string]string{
	"score":      "crowd sentiment -1.0 (max fear) to +1.0 (max greed)",
	"shift":      "IMPROVING, DETERIORATING, or STABLE",
	"summary":    "two-sentence sentiment summary",
	"confidence": "confidence 0.0-1.0",
}

func (a *SentimentAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	res, err := a.structured(ctx, st.RunID+"-analysis", a.buildPrompt(st), sentimentSchema, 0.4)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Sentiment analysis falling back to defaults")
		metrics.RecordAgentOutcome(a.name, metrics.OutcomeFallback, 0.2)
		return state.NewUpdate(a.name).
			SetSentiment(map[string]any{
				"score":      st.Market.SentimentScore,
				"shift":      "STABLE",
				"summary":    "sentiment analysis unavailable, carrying the raw feed score",
				"confidence": 0.2,
			}).
			Explain("sentiment analysis unavailable (%v), carrying raw score %.2f", err, st.Market.SentimentScore), nil
	}

	out := map[string]any{
		"score":      clamp(getFloat(res.fields, "score", st.Market.SentimentScore), -1, 1),
		"shift":      strings.ToUpper(getString(res.fields, "shift", "STABLE")),
		"summary":    getString(res.fields, "summary", ""),
		"confidence": clamp01(getFloat(res.fields, "confidence", 0.5)),
	}
	if !res.complete {
		out[state.IncompleteJSONKey] = true
	}

	conf := out["confidence"].(float64)
	metrics.RecordAgentOutcome(a.name, metrics.OutcomeSuccess, conf)

	return state.NewUpdate(a.name).
		SetSentiment(out).
		SetProvider(res.provider).
		Explain("sentiment %.2f (%s, confidence %.2f)", out["score"], out["shift"], conf), nil
}

func (a *SentimentAgent) buildPrompt(st *state.DecisionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\n", a.profile().Symbol)
	fmt.Fprintf(&b, "Aggregate feed sentiment: %.2f (-1 fear .. +1 greed)\n", st.Market.SentimentScore)

	if len(st.Market.News) == 0 {
		b.WriteString("No recent headlines are available.\n")
	} else {
		b.WriteString("Recent headlines, newest first:\n")
		for i, item := range st.Market.News {
			if i == maxHeadlines {
				break
			}
			fmt.Fprintf(&b, "- [%s, %.2f] %s\n", item.Source, item.Sentiment, item.Title)
		}
	}

	b.WriteString("\nJudge the crowd's positioning and whether it is shifting.")
	return b.String()
}
